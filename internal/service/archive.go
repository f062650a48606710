package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/storage"
)

const maxAssetSize = 200 << 20 // 200 MiB

// MediaArchiver copies result media from the executor's CDN into owned
// object storage so results survive upstream link expiry. Asset failures
// fall back to the original URL; the archiver only errors when every
// attempted asset failed.
type MediaArchiver struct {
	client *resty.Client
	store  storage.ObjectStorage
	log    *logger.Logger
}

func NewMediaArchiver(store storage.ObjectStorage, log *logger.Logger) *MediaArchiver {
	return &MediaArchiver{
		client: resty.New().SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)),
		store:  store,
		log:    log.WithField(logger.FieldComponent, "archiver"),
	}
}

// Archive stores the job's cover and video and returns the final URLs.
func (a *MediaArchiver) Archive(ctx context.Context, job *domain.Job) (string, string, error) {
	log := a.log.WithField(logger.FieldJobID, job.ID)

	cover := job.Result.Cover
	videoURL := job.Result.VideoURL
	var failures []error

	if cover != "" {
		stored, err := a.copyAsset(ctx, job.ID, "cover", cover)
		if err != nil {
			log.WithError(err).Warn("cover archive failed, keeping original url")
			failures = append(failures, fmt.Errorf("cover: %w", err))
		} else {
			cover = stored
		}
	}
	if videoURL != "" {
		stored, err := a.copyAsset(ctx, job.ID, "video", videoURL)
		if err != nil {
			log.WithError(err).Warn("video archive failed, keeping original url")
			failures = append(failures, fmt.Errorf("video: %w", err))
		} else {
			videoURL = stored
		}
	}

	attempted := 0
	if job.Result.Cover != "" {
		attempted++
	}
	if job.Result.VideoURL != "" {
		attempted++
	}
	if attempted > 0 && len(failures) == attempted {
		return cover, videoURL, errors.Join(failures...)
	}
	return cover, videoURL, nil
}

func (a *MediaArchiver) copyAsset(ctx context.Context, jobID, label, srcURL string) (string, error) {
	// A re-archive of the same job reuses the stored object instead of
	// re-downloading, when the URL already determines the object name.
	if ext := urlExt(srcURL); ext != "" {
		objectName := assetObjectName(jobID, label, ext)
		if stored, err := a.store.Exists(ctx, objectName); err == nil && stored {
			return a.store.GetURL(objectName), nil
		}
	}

	resp, err := a.client.R().SetContext(ctx).Get(srcURL)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", label, err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("download %s: upstream returned %d", label, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return "", fmt.Errorf("download %s: empty body", label)
	}
	if len(body) > maxAssetSize {
		return "", fmt.Errorf("download %s: asset exceeds %d bytes", label, maxAssetSize)
	}

	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ext := urlExt(srcURL)
	if ext == "" {
		ext = typeExt(contentType)
	}
	objectName := assetObjectName(jobID, label, ext)

	if err := a.store.Upload(ctx, objectName, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return "", fmt.Errorf("store %s: %w", label, err)
	}
	return a.store.GetURL(objectName), nil
}

func assetObjectName(jobID, label, ext string) string {
	return fmt.Sprintf("jobs/%s/%s%s", jobID, label, ext)
}

func urlExt(srcURL string) string {
	if ext := path.Ext(strings.SplitN(path.Base(srcURL), "?", 2)[0]); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ""
}

func typeExt(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	}
	return ""
}
