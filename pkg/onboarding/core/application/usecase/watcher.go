package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Watcher submits a batch for every CSV created in the input bucket. A CSV is paired with
// the archive of the same name and the images suffix when that archive already exists.
//
// Connections implementing storage.Notifier push events; others are listed every
// PollInterval, and objects present when the watcher starts are not submitted.
type Watcher struct {
	conn    storage.StorageExecutor
	service SessionService
	bucket  string
	cfg     config.TriggerConfig
	seen    map[string]struct{}
}

// NewWatcher creates a watcher over the configured input bucket.
func NewWatcher(conn storage.StorageExecutor, service SessionService, cfg *config.Config) *Watcher {
	return &Watcher{
		conn:    conn,
		service: service,
		bucket:  cfg.Onboarding.Workflow.InputBucket,
		cfg:     cfg.Onboarding.Trigger,
		seen:    make(map[string]struct{}),
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if notifier, ok := w.conn.(storage.Notifier); ok {
		logger.Infof("Watching '%s/%s*%s' for new batches.", w.bucket, w.cfg.Prefix, w.cfg.Suffix)
		err := notifier.WatchCreated(ctx, w.bucket, w.cfg.Prefix, w.cfg.Suffix, func(ev storage.ObjectEvent) error {
			w.submit(ctx, ev.Key)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return w.poll(ctx)
}

func (w *Watcher) poll(ctx context.Context) error {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger.Infof("Polling '%s/%s*%s' every %s for new batches.", w.bucket, w.cfg.Prefix, w.cfg.Suffix, interval)
	if err := w.scan(ctx, false); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.scan(ctx, true); err != nil && ctx.Err() == nil {
				logger.Warnf("Listing '%s' failed: %v", w.bucket, err)
			}
		}
	}
}

// scan marks every matching object as seen, submitting the new ones when submit is set.
func (w *Watcher) scan(ctx context.Context, submit bool) error {
	var fresh []string
	err := w.conn.ListObjects(ctx, w.bucket, w.cfg.Prefix, func(key string) error {
		if !strings.HasSuffix(key, w.cfg.Suffix) {
			return nil
		}
		if _, ok := w.seen[key]; ok {
			return nil
		}
		w.seen[key] = struct{}{}
		fresh = append(fresh, key)
		return nil
	})
	if err != nil {
		return err
	}
	if submit {
		for _, key := range fresh {
			w.submit(ctx, key)
		}
	}
	return nil
}

func (w *Watcher) submit(ctx context.Context, key string) {
	input := model.BatchInput{InputFile: key}
	if images := w.archiveFor(ctx, key); images != "" {
		input.CompressedImagesFile = images
	}
	session, err := w.service.CreateBatchExecution(ctx, input)
	if err != nil {
		logger.Errorf("Failed to submit batch for '%s': %v", key, err)
		return
	}
	logger.Infof("Submitted session '%s' for '%s'.", session.SessionID, key)
}

func (w *Watcher) archiveFor(ctx context.Context, key string) string {
	if w.cfg.ImagesSuffix == "" {
		return ""
	}
	candidate := strings.TrimSuffix(key, w.cfg.Suffix) + w.cfg.ImagesSuffix
	found := false
	err := w.conn.ListObjects(ctx, w.bucket, candidate, func(name string) error {
		if name == candidate {
			found = true
		}
		return nil
	})
	if err != nil || !found {
		return ""
	}
	return candidate
}
