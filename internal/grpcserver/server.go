// Package grpcserver implements the GopherScan gRPC status service.
package grpcserver

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/repository"
	"github.com/mtiwari1/gopherscan/internal/upload"
	pb "github.com/mtiwari1/gopherscan/proto"
)

// JobReader reads analysis jobs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*repository.Job, error)
}

// UploadReader reports upload session progress.
type UploadReader interface {
	GetStatus(ctx context.Context, sessionID string) (*upload.Status, error)
}

// Server implements the AnalysisStatusServer gRPC interface.
type Server struct {
	jobs    JobReader
	uploads UploadReader
	logger  *slog.Logger
}

func NewServer(jobs JobReader, uploads UploadReader, logger *slog.Logger) *Server {
	return &Server{jobs: jobs, uploads: uploads, logger: logger}
}

// GetJob returns the current state of an analysis job.
func (s *Server) GetJob(ctx context.Context, req *pb.GetJobRequest) (*pb.Job, error) {
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "GetJob: jobId is required")
	}

	job, err := s.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, s.toStatus(err, "GetJob", slog.String("job_id", req.JobID))
	}

	out := &pb.Job{
		JobID:       job.ID,
		Status:      string(job.Status),
		FileName:    job.FileName,
		FileHash:    job.FileHash,
		FileSize:    job.FileSize,
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Result:      job.ResultPayload,
	}
	if job.ErrorMessage != nil {
		out.ErrorMessage = *job.ErrorMessage
	}
	return out, nil
}

// GetUploadStatus returns the progress of a live upload session.
func (s *Server) GetUploadStatus(ctx context.Context, req *pb.GetUploadStatusRequest) (*pb.UploadStatus, error) {
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "GetUploadStatus: sessionId is required")
	}

	st, err := s.uploads.GetStatus(ctx, req.SessionID)
	if err != nil {
		return nil, s.toStatus(err, "GetUploadStatus", slog.String("session_id", req.SessionID))
	}

	return &pb.UploadStatus{
		SessionID:      st.SessionID,
		FileName:       st.FileName,
		UploadedChunks: st.UploadedChunks,
		TotalChunks:    st.TotalChunks,
		Progress:       st.Progress,
		MissingChunks:  st.Missing,
		Completed:      st.Completed,
		JobID:          st.JobID,
		ExpiresAt:      st.ExpiresAt,
	}, nil
}

// toStatus converts a service error to a gRPC status, logging the internal
// cause for anything the caller cannot act on.
func (s *Server) toStatus(err error, method string, attr slog.Attr) error {
	code := apperr.GRPCCode(err)
	if code == codes.Unavailable || code == codes.Internal {
		s.logger.Error("grpc "+method, attr, slog.String("error", err.Error()))
	}
	return status.Errorf(code, "%s: %s", method, apperr.Message(err))
}
