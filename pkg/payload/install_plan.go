// Package payload describes what an update downloads and where it is
// installed.
package payload

import (
	"fmt"
	"strings"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/bootcontrol"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Type distinguishes full images from deltas against the running slot.
type Type string

const (
	TypeFull  Type = "full"
	TypeDelta Type = "delta"
)

// Payload is one downloadable unit of an update.
type Payload struct {
	URLs         []string
	Size         int64
	MetadataSize int64
	// Hash is the hex encoded SHA-256 of the payload.
	Hash string
	Type Type
	// Partition, when set, names the partition the payload is a raw image
	// of. Other payloads are written to the staging file.
	Partition string
}

// Partition is a slotted partition written by the update.
type Partition struct {
	Name string

	SourcePath string
	SourceSize int64
	SourceHash string

	TargetPath string
	TargetSize int64
	TargetHash string

	RunPostinstall      bool
	PostinstallPath     string
	FilesystemType      string
	PostinstallOptional bool
}

// InstallPlan is the product of a successful update check and the input of
// every later action of the attempt.
type InstallPlan struct {
	IsResume    bool
	DownloadURL string
	// URLIndex selects the server URL of every payload but the first.
	URLIndex int
	Version  string

	Payloads   []Payload
	SourceSlot bootcontrol.Slot
	TargetSlot bootcontrol.Slot
	Partitions []Partition

	// StagingPath is where the downloaded payload is written.
	StagingPath string

	// P2PFileID names the first payload among peers. ShareOverP2P makes
	// the download visible to them.
	P2PFileID    string
	ShareOverP2P bool

	HashChecksMandatory bool
	PowerwashRequired   bool
	IsRollback          bool
	RunPostInstall      bool
	SwitchSlotOnReboot  bool
}

// PayloadSize is the sum of all payload sizes.
func (p *InstallPlan) PayloadSize() int64 {
	var size int64
	for _, pl := range p.Payloads {
		size += pl.Size
	}
	return size
}

// PayloadURL is the URL payload i is fetched from.
func (p *InstallPlan) PayloadURL(i int) string {
	if i < 0 || i >= len(p.Payloads) {
		return ""
	}
	if i == 0 && p.DownloadURL != "" {
		return p.DownloadURL
	}
	urls := p.Payloads[i].URLs
	if len(urls) == 0 {
		return ""
	}
	idx := p.URLIndex
	if idx < 0 || idx >= len(urls) {
		idx = len(urls) - 1
	}
	return urls[idx]
}

// PayloadPath is where payload i is written: the target of its partition,
// or the staging file.
func (p *InstallPlan) PayloadPath(i int) string {
	if i < 0 || i >= len(p.Payloads) {
		return ""
	}
	if name := p.Payloads[i].Partition; name != "" {
		if part, ok := p.Partition(name); ok {
			return part.TargetPath
		}
		return ""
	}
	if p.StagingPath == "" || i == 0 {
		return p.StagingPath
	}
	return fmt.Sprintf("%s.%d", p.StagingPath, i)
}

// Partition returns the partition named name.
func (p *InstallPlan) Partition(name string) (*Partition, bool) {
	for i := range p.Partitions {
		if p.Partitions[i].Name == name {
			return &p.Partitions[i], true
		}
	}
	return nil, false
}

// LoadPartitionsFromSlots fills the source and target device paths of every
// partition.
func (p *InstallPlan) LoadPartitionsFromSlots(bc bootcontrol.BootControl) error {
	for i := range p.Partitions {
		part := &p.Partitions[i]
		if p.SourceSlot.Valid() {
			dev, err := bc.GetPartitionDevice(part.Name, p.SourceSlot)
			if err != nil {
				return errors.WithMessagef(err, "source of partition %s", part.Name)
			}
			part.SourcePath = dev
		} else {
			part.SourcePath = ""
		}
		if p.TargetSlot.Valid() {
			dev, err := bc.GetPartitionDevice(part.Name, p.TargetSlot)
			if err != nil {
				return errors.WithMessagef(err, "target of partition %s", part.Name)
			}
			part.TargetPath = dev
		} else {
			part.TargetPath = ""
		}
	}
	return nil
}

// Dump logs the plan.
func (p *InstallPlan) Dump(log logging.Logger) {
	parts := make([]string, 0, len(p.Partitions))
	for _, part := range p.Partitions {
		parts = append(parts, fmt.Sprintf("%s(%s->%s)", part.Name, part.SourcePath, part.TargetPath))
	}
	log.WithFields(logrus.Fields{
		"version":      p.Version,
		"url":          p.DownloadURL,
		"resume":       p.IsResume,
		"payloads":     len(p.Payloads),
		"size":         p.PayloadSize(),
		"source_slot":  p.SourceSlot,
		"target_slot":  p.TargetSlot,
		"partitions":   strings.Join(parts, ","),
		"powerwash":    p.PowerwashRequired,
		"rollback":     p.IsRollback,
		"postinstall":  p.RunPostInstall,
		"switch_slot":  p.SwitchSlotOnReboot,
		"hash_checked": p.HashChecksMandatory,
	}).Info("install plan")
}
