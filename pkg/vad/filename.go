package vad

import (
	"encoding/binary"
	"fmt"

	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi"
	"golang.org/x/text/encoding/unicode"
)

// fastRefMask strips the low tag bits of a fast-referenced file-object
// pointer.
const fastRefMask = ^types.Addr(7)

// maxFileNameBytes bounds the UTF-16 payload a sane kernel produces.
const maxFileNameBytes = 1024

var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// fileName follows control area -> file object -> filename and decodes the
// kernel Unicode string. A zero control area means no backing file and is
// not an error.
func (w *Walker) fileName(ca types.Addr) (string, error) {
	if ca == 0 {
		return "", nil
	}
	if !ca.Canonical() {
		return "", fmt.Errorf("%w: control area %s", ErrBadNode, ca)
	}
	raw, err := w.readU64(ca + types.Addr(w.prof.ControlArea.FileObject))
	if err != nil {
		return "", fmt.Errorf("control area: %w", err)
	}
	fo := types.Addr(raw) & fastRefMask
	if fo == 0 {
		return "", nil
	}
	if !fo.Canonical() {
		return "", fmt.Errorf("%w: file object %s", ErrBadNode, fo)
	}

	// UNICODE_STRING: u16 Length, u16 MaximumLength, pad, u64 Buffer
	var hdr [16]byte
	if _, err := w.vm.ReadVirtual(vmi.KernelPID, fo+types.Addr(w.prof.FileObject.FileName), hdr[:]); err != nil {
		return "", fmt.Errorf("file object: %w", err)
	}
	length := binary.LittleEndian.Uint16(hdr[0:])
	buffer := types.Addr(binary.LittleEndian.Uint64(hdr[8:]))
	if length == 0 || buffer == 0 {
		return "", nil
	}
	if length > maxFileNameBytes || !buffer.Canonical() {
		return "", fmt.Errorf("%w: filename length %d buffer %s", ErrBadNode, length, buffer)
	}

	payload := make([]byte, length)
	if _, err := w.vm.ReadVirtual(vmi.KernelPID, buffer, payload); err != nil {
		return "", fmt.Errorf("filename buffer: %w", err)
	}
	decoded, err := utf16Decoder.NewDecoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("decode filename: %w", err)
	}
	return string(decoded), nil
}

// BaseName returns the final path element of a kernel path, accepting both
// separator styles.
func BaseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
