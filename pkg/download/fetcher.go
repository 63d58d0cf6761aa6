// Package download transfers update payloads and writes them to the target
// partitions or the staging file.
package download

// FetcherDelegate receives the data and the outcome of a transfer. Calls are
// made on the loop.
type FetcherDelegate interface {
	// ReceivedBytes hands over the next chunk. Returning false aborts the
	// transfer, which then ends with TransferTerminated.
	ReceivedBytes(f Fetcher, data []byte) bool
	// TransferComplete ends a transfer that was not terminated.
	TransferComplete(f Fetcher, success bool)
	// TransferTerminated ends a transfer stopped by TerminateTransfer or by
	// the delegate.
	TransferTerminated(f Fetcher)
}

// Fetcher transfers one URL at a time.
type Fetcher interface {
	SetDelegate(FetcherDelegate)
	// SetOffset makes the next transfer start offset bytes into the
	// resource.
	SetOffset(offset int64)
	// SetLength limits the next transfer to length bytes, 0 is unlimited.
	SetLength(length int64)
	BeginTransfer(url string)
	TerminateTransfer()
	Pause()
	Unpause()
	// HTTPResponseCode is the status of the last response, or 0.
	HTTPResponseCode() int
}
