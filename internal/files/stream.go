package files

import (
	"context"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"unicode/utf8"

	"sandboxd/internal/sberrors"
)

// StreamEvent is one element of a streaming file read. A 0-byte file yields
// metadata followed directly by complete.
type StreamEvent struct {
	Type      string `json:"type"` // metadata, chunk, complete, error
	MimeType  string `json:"mimeType,omitempty"`
	Size      int64  `json:"size"`
	IsBinary  bool   `json:"isBinary,omitempty"`
	Encoding  string `json:"encoding,omitempty"` // utf-8 or base64
	Data      string `json:"data,omitempty"`
	BytesRead int64  `json:"bytesRead,omitempty"`
	Error     string `json:"error,omitempty"`
}

const streamChunkSize = 64 * 1024

// StreamRead reads path incrementally: one metadata event, chunk events
// (base64 for binary content), then complete. Errors end the stream with a
// single error event.
func (s *Service) StreamRead(ctx context.Context, path string) (<-chan StreamEvent, error) {
	p, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, sberrors.FromFSError(err, p)
	}
	if info.IsDir() {
		return nil, sberrors.E(sberrors.IsDirectory, "%s is a directory", p).WithDetail("path", p)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, sberrors.FromFSError(err, p)
	}

	mimeType, binary, err := sniff(f, p)
	if err != nil {
		f.Close()
		return nil, sberrors.FromFSError(err, p)
	}

	encoding := "utf-8"
	if binary {
		encoding = "base64"
	}

	events := make(chan StreamEvent, 8)
	events <- StreamEvent{
		Type:     "metadata",
		MimeType: mimeType,
		Size:     info.Size(),
		IsBinary: binary,
		Encoding: encoding,
	}

	go func() {
		defer close(events)
		defer f.Close()

		var read int64
		buf := make([]byte, streamChunkSize)
		for {
			if ctx.Err() != nil {
				events <- StreamEvent{Type: "error", Error: "stream aborted"}
				return
			}
			n, rerr := f.Read(buf)
			if n > 0 {
				read += int64(n)
				var data string
				if binary {
					data = base64.StdEncoding.EncodeToString(buf[:n])
				} else {
					data = string(buf[:n])
				}
				events <- StreamEvent{Type: "chunk", Data: data, BytesRead: read}
			}
			if rerr == io.EOF {
				events <- StreamEvent{Type: "complete", BytesRead: read}
				return
			}
			if rerr != nil {
				events <- StreamEvent{Type: "error", Error: rerr.Error()}
				return
			}
		}
	}()

	return events, nil
}

// sniff determines the mime type and binary-ness from the first 512 bytes,
// then rewinds the file.
func sniff(f *os.File, path string) (mimeType string, binary bool, err error) {
	head := make([]byte, 512)
	n, rerr := f.Read(head)
	if rerr != nil && rerr != io.EOF {
		return "", false, rerr
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", false, err
	}
	head = head[:n]

	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		mimeType = byExt
	} else {
		mimeType = http.DetectContentType(head)
	}

	// Valid UTF-8 without NUL bytes is treated as text.
	binary = false
	for _, b := range head {
		if b == 0 {
			binary = true
			break
		}
	}
	if !binary && !utf8.Valid(head) {
		binary = true
	}
	return mimeType, binary, nil
}
