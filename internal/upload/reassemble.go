package upload

import (
	"context"
	"io"

	"github.com/mtiwari1/gopherscan/internal/blobstore"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

// chunkReader streams a session's chunks in index order.
type chunkReader struct {
	ctx   context.Context
	blobs blobstore.Store
	id    string
	total int
	next  int
	cur   io.ReadCloser
}

func (m *Manager) reassemble(ctx context.Context, s *repository.Session) *chunkReader {
	return &chunkReader{ctx: ctx, blobs: m.blobs, id: s.ID, total: s.TotalChunks}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next == r.total {
				return 0, io.EOF
			}
			rc, err := r.blobs.Open(r.ctx, blobstore.ChunkKey(r.id, r.next))
			if err != nil {
				return 0, err
			}
			r.cur = rc
			r.next++
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			r.cur.Close()
			r.cur = nil
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
