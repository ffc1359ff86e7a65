package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	appErr "leetlabs/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	sourceContentType = "application/zstd"
	maxArchivedSource = 8 << 20
)

var (
	sourceEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	sourceDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArchivedSource))
)

func (s *GradingService) buildSourceKey(submissionID string) string {
	return fmt.Sprintf("%s/%s/source.zst", s.sourceKeyPrefix, submissionID)
}

// archiveSource uploads the zstd-compressed source under objectKey.
func (s *GradingService) archiveSource(ctx context.Context, objectKey, source string) error {
	compressed := sourceEncoder.EncodeAll([]byte(source), nil)
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	err := s.storage.PutObject(ctxStorage.ctx, s.sourceBucket, objectKey, bytes.NewReader(compressed), int64(len(compressed)), sourceContentType)
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "upload source failed")
	}
	return nil
}

// loadArchivedSource downloads and decompresses objectKey, checking it against hash.
func (s *GradingService) loadArchivedSource(ctx context.Context, objectKey, hash string) (string, error) {
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	stat, err := s.storage.StatObject(ctxStorage.ctx, s.sourceBucket, objectKey)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ServiceUnavailable, "stat source failed")
	}
	if stat.SizeBytes > maxArchivedSource {
		return "", appErr.Newf(appErr.InternalServerError, "archived source is %d bytes", stat.SizeBytes)
	}
	reader, err := s.storage.GetObject(ctxStorage.ctx, s.sourceBucket, objectKey)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ServiceUnavailable, "download source failed")
	}
	defer reader.Close()

	compressed, err := io.ReadAll(io.LimitReader(reader, maxArchivedSource+1))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ServiceUnavailable, "read source failed")
	}
	source, err := sourceDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "decompress source failed")
	}
	if hash != "" && hashSource(string(source)) != hash {
		return "", appErr.New(appErr.InternalServerError).WithMessage("archived source does not match its hash")
	}
	return string(source), nil
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
