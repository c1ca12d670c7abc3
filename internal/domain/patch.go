package domain

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// FsPatchOp is one incremental filesystem change, relative to the workspace root.
type FsPatchOp struct {
	Op       PatchOpKind `json:"op"`
	Path     string      `json:"path"`
	Content  *string     `json:"content,omitempty"`
	Encoding Encoding    `json:"encoding,omitempty"`
}

// PatchMessage is the unit of broadcast for filesystem changes.
type PatchMessage struct {
	Seq int64       `json:"seq"`
	Ops []FsPatchOp `json:"ops"`
}

// FileEntry is one file of a workspace snapshot.
type FileEntry struct {
	Content  string   `json:"content"`
	Encoding Encoding `json:"encoding"`
}

// Snapshot is a full point-in-time map of workspace files.
type Snapshot struct {
	Seq   int64                `json:"seq"`
	Files map[string]FileEntry `json:"files"`
}

// WriteOp builds a write op for raw file bytes, choosing the encoding.
func WriteOp(p string, data []byte) FsPatchOp {
	entry := EncodeFile(data)
	content := entry.Content
	return FsPatchOp{Op: OpWrite, Path: p, Content: &content, Encoding: entry.Encoding}
}

// DeleteOp builds a delete op.
func DeleteOp(p string) FsPatchOp {
	return FsPatchOp{Op: OpDelete, Path: p}
}

// MkdirOp builds a mkdir op.
func MkdirOp(p string) FsPatchOp {
	return FsPatchOp{Op: OpMkdir, Path: p}
}

// EncodeFile returns a file entry for raw bytes: utf-8 text when valid, base64 otherwise.
func EncodeFile(data []byte) FileEntry {
	if utf8.Valid(data) && !strings.ContainsRune(string(data), 0) {
		return FileEntry{Content: string(data), Encoding: EncodingUTF8}
	}
	return FileEntry{Content: base64.StdEncoding.EncodeToString(data), Encoding: EncodingBase64}
}

// Bytes decodes the entry content.
func (f FileEntry) Bytes() ([]byte, error) {
	if f.Encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(f.Content)
	}
	return []byte(f.Content), nil
}

// Entry returns the file entry carried by a write op.
func (op FsPatchOp) Entry() FileEntry {
	enc := op.Encoding
	if enc == "" {
		enc = EncodingUTF8
	}
	var content string
	if op.Content != nil {
		content = *op.Content
	}
	return FileEntry{Content: content, Encoding: enc}
}

// Validate checks the op shape and normalizes nothing.
func (op FsPatchOp) Validate() error {
	if _, err := CleanPath(op.Path); err != nil {
		return err
	}
	switch op.Op {
	case OpWrite:
		if op.Content == nil {
			return fmt.Errorf("%w: write %q without content", ErrInvalidPatchOp, op.Path)
		}
		if op.Encoding != "" && op.Encoding != EncodingUTF8 && op.Encoding != EncodingBase64 {
			return fmt.Errorf("%w: unsupported encoding %q", ErrInvalidPatchOp, op.Encoding)
		}
	case OpDelete, OpMkdir:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidPatchOp, op.Op)
	}
	return nil
}

// CleanPath normalizes a slash-separated workspace-relative path and rejects escapes.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}
