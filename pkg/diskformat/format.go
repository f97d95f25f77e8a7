// Package diskformat sniffs virtual disk formats from file headers and
// transcodes disks with qemu-img.
package diskformat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

type Format string

const (
	QCOW2 Format = "qcow2"
	VMDK  Format = "vmdk"
	VHDX  Format = "vhdx"
	VHD   Format = "vhd"
	VDI   Format = "vdi"
	Raw   Format = "raw"
)

const (
	headSize = 1 << 20
	tailSize = 512

	vdiSignature = 0xBEDA107F
)

var (
	qcow2Magic     = []byte("QFI\xfb")
	vmdkMagic      = []byte("KDMV")
	vmdkDescriptor = []byte("# Disk DescriptorFile")
	vmdkCreateType = []byte("createType")
	vhdxMagic      = []byte("vhdxfile")
	vhdFooter      = []byte("conectix")
	vdiBanner      = []byte("<<< Oracle VM VirtualBox Disk Image >>>")
)

// qemu-img driver names keyed by the formats accepted as conversion input.
var sourceDrivers = map[Format]string{
	VMDK:  "vmdk",
	Raw:   "raw",
	QCOW2: "qcow2",
	VHD:   "vpc",
	VHDX:  "vhdx",
	VDI:   "vdi",
}

var targetFormats = map[Format]bool{
	VMDK:  true,
	QCOW2: true,
	Raw:   true,
}

func IsSupportedSource(f Format) bool {
	_, ok := sourceDrivers[f]
	return ok
}

func IsSupportedTarget(f Format) bool {
	return targetFormats[f]
}

// FormatError reports a disk that could not be read for inspection.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("cannot inspect disk %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Detect classifies the disk at path from its first 1 MiB and last 512
// bytes. Unrecognized content is reported as Raw, never as an error.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &FormatError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &FormatError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", &FormatError{Path: path, Err: errors.New("not a regular file")}
	}

	head := make([]byte, headSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", &FormatError{Path: path, Err: err}
	}
	head = head[:n]

	var tail []byte
	if info.Size() >= tailSize {
		tail = make([]byte, tailSize)
		if _, err := f.ReadAt(tail, info.Size()-tailSize); err != nil && !errors.Is(err, io.EOF) {
			return "", &FormatError{Path: path, Err: err}
		}
	}
	return classify(head, tail), nil
}

func classify(head, tail []byte) Format {
	descriptor := head
	if len(descriptor) > 4096 {
		descriptor = descriptor[:4096]
	}

	switch {
	case bytes.HasPrefix(head, qcow2Magic):
		return QCOW2
	case bytes.HasPrefix(head, vmdkMagic):
		return VMDK
	case bytes.Contains(descriptor, vmdkDescriptor), bytes.Contains(descriptor, vmdkCreateType):
		return VMDK
	case bytes.HasPrefix(head, vhdxMagic):
		return VHDX
	case len(tail) >= len(vhdFooter) && bytes.EqualFold(tail[:len(vhdFooter)], vhdFooter):
		return VHD
	case len(head) >= 68 && binary.LittleEndian.Uint32(head[64:68]) == vdiSignature:
		return VDI
	}

	banner := head
	if len(banner) > 512 {
		banner = banner[:512]
	}
	if bytes.Contains(banner, vdiBanner) {
		return VDI
	}
	// raw has no reliable magic; qemu-img validates it during conversion
	return Raw
}
