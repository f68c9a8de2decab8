package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/capture"
	"github.com/pixelproof/adcapture/internal/metrics"
	"github.com/pixelproof/adcapture/internal/queue"
)

// handleCapture runs the capture state machine for one delivery and settles
// it according to the failure classification.
func (p *Pipeline) handleCapture(ctx context.Context, d *queue.Delivery) {
	job := d.Job()
	logger := p.deps.Logger.With(
		zap.String("job_id", job.ID),
		zap.String("batch_id", job.BatchID),
		zap.String("record", job.Record.Key()),
		zap.Int("attempt", job.Attempt),
	)

	start := p.deps.Clock.Now()
	captured, err := p.captureJob(ctx, job, logger)
	duration := p.deps.Clock.Now().Sub(start)

	if err == nil {
		metrics.ObserveCapture(string(job.Record.DeviceUI), metrics.SanitizeSite(job.Record.WebsiteURL), true, "", duration)
		if enqErr := p.deps.Queues.EnqueueUpload(ctx, captured, captured.Priority); enqErr != nil {
			logger.Error("upload enqueue failed", zap.Error(enqErr))
			p.settleFailure(d, captured, capture.NewError(capture.ClassUpload, enqErr), logger)
			return
		}
		d.Ack()
		logger.Info("capture complete",
			zap.String("artifact", captured.ArtifactRef),
			zap.Duration("duration", duration),
		)
		return
	}

	class := capture.Classify(err)
	metrics.ObserveCapture(string(job.Record.DeviceUI), metrics.SanitizeSite(job.Record.WebsiteURL), false, string(class), duration)
	logger.Warn("capture attempt failed",
		zap.String("class", string(class)),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	p.settleFailure(d, job, err, logger)
}

// settleFailure applies the retry policy to a failed delivery: terminal
// classes fail immediately, retryable ones re-enter their queue until its
// attempt budget is spent, and spent jobs either move to the retry queue or
// fail the batch record.
func (p *Pipeline) settleFailure(d *queue.Delivery, job capture.Job, err error, logger *zap.Logger) {
	class := capture.Classify(err)
	if !class.Retryable() {
		d.Fail()
		p.failRecord(job, class, err)
		return
	}
	if d.Nack() {
		metrics.ObserveRetry(string(class))
		return
	}
	// Attempt budget spent.
	if p.cfg.UseRetryQueue && !job.Reclaimed {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if reqErr := p.deps.Queues.RequeueForRetry(ctx, job); reqErr == nil {
			logger.Info("job moved to retry queue", zap.Int("retry_count", job.RetryCount))
			return
		}
		logger.Error("retry queue handoff failed; failing job")
	}
	p.failRecord(job, class, err)
}

// failRecord records a terminal per-record failure against the batch and
// persists the failed capture row.
func (p *Pipeline) failRecord(job capture.Job, class capture.ErrorClass, err error) {
	result := capture.CaptureResult{
		Success: false,
		Class:   class,
		Error:   err.Error(),
		Metadata: capture.CaptureMetadata{
			Timestamp: p.deps.Clock.Now(),
			Device:    job.Record.DeviceUI,
			PID:       job.Record.PID,
			UID:       job.Record.UID,
			AdType:    job.Record.AdType,
			URL:       job.Record.WebsiteURL,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if saveErr := p.deps.Results.SaveCapture(ctx, job, result); saveErr != nil {
		p.deps.Logger.Error("persist failed capture row",
			zap.String("job_id", job.ID), zap.Error(saveErr))
	}
	p.tracker.Failure(job.BatchID, capture.BatchError{
		Record: job.Record,
		Class:  class,
		Error:  err.Error(),
	})
}

// captureJob is the per-job state machine: probe, session, navigate,
// injection with render wait, selector wait, settle delay, capture, artifact
// write. The session created here is destroyed here, exactly once, on every
// path.
func (p *Pipeline) captureJob(ctx context.Context, job capture.Job, logger *zap.Logger) (capture.Job, error) {
	record := job.Record

	if p.cfg.ProbeEnabled && p.deps.Prober != nil {
		if err := p.deps.Prober.Check(ctx, record.WebsiteURL); err != nil {
			return job, fmt.Errorf("preflight: %w", err)
		}
	}
	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Wait(ctx, record.WebsiteURL); err != nil {
			return job, err
		}
	}

	session, err := p.deps.Sessions.CreateSession(ctx, record.DeviceUI)
	if err != nil {
		return job, err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if derr := p.deps.Sessions.DestroySession(dctx, session); derr != nil {
			logger.Warn("session destroy failed", zap.Error(derr))
		}
	}()

	if err := p.deps.Driver.Navigate(ctx, session, record.WebsiteURL, capture.NavigateOptions{}); err != nil {
		return job, err
	}

	if record.Injection != nil {
		if err := p.deps.Driver.RunScript(ctx, session, record.Injection.Script(), nil); err != nil {
			return job, fmt.Errorf("injection %s: %w", record.Injection.Template, err)
		}
		p.waitForRender(ctx, session, record.Selector, logger)
	}

	if record.Selector != "" {
		if err := p.deps.Driver.WaitForSelector(ctx, session, record.Selector, 0); err != nil {
			return job, err
		}
	}

	select {
	case <-ctx.Done():
		return job, fmt.Errorf("settle wait: %w", ctx.Err())
	case <-time.After(p.cfg.PreCaptureDelay):
	}

	image, err := p.capturePixels(ctx, session, record, logger)
	if err != nil {
		return job, err
	}

	ref, err := p.deps.Artifacts.Put(ctx, p.artifactPath(job, image), "image/png", image)
	if err != nil {
		return job, err
	}
	job.ArtifactRef = ref
	return job, nil
}

// waitForRender polls the in-page render probe after an injection until it
// reports content or the window closes. Exhaustion is a soft failure; the
// capture proceeds with whatever rendered.
func (p *Pipeline) waitForRender(ctx context.Context, session *capture.Session, selector string, logger *zap.Logger) {
	script := capture.RenderProbeScript(selector)
	deadline := p.deps.Clock.Now().Add(p.cfg.RenderPollTimeout)
	for p.deps.Clock.Now().Before(deadline) {
		var rendered bool
		if err := p.deps.Driver.RunScript(ctx, session, script, &rendered); err != nil {
			logger.Debug("render probe failed", zap.Error(err))
		} else if rendered {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RenderPollInterval):
		}
	}
	logger.Warn("render wait exhausted; capturing current state",
		zap.Duration("waited", p.cfg.RenderPollTimeout))
}

// capturePixels takes the screenshot, routing mobile devices through the
// overlay bridge with a direct-capture fallback when no renderer answers.
func (p *Pipeline) capturePixels(ctx context.Context, session *capture.Session, record capture.AdRecord, logger *zap.Logger) ([]byte, error) {
	if record.DeviceUI.Mobile() && p.deps.Bridge != nil {
		if image, ok := p.bridgeCapture(ctx, record, logger); ok {
			return image, nil
		}
		metrics.ObserveBridgeFallback()
		logger.Info("bridge unavailable; using direct capture")
	}
	return p.deps.Driver.Capture(ctx, session, capture.CaptureOptions{
		Selector: record.Selector,
		FullPage: record.Selector == "",
		Format:   capture.FormatPNG,
	})
}

// bridgeCapture asks the overlay renderers for a mobile screenshot. Any
// failure is absorbed: the caller falls back to direct capture.
func (p *Pipeline) bridgeCapture(ctx context.Context, record capture.AdRecord, logger *zap.Logger) ([]byte, bool) {
	if !p.breaker.Allow() {
		return nil, false
	}
	bctx, cancel := context.WithTimeout(ctx, p.cfg.BridgeWait)
	defer cancel()

	res, err := p.deps.Bridge.Broadcast(bctx, capture.BridgeCommand{
		Type: capture.BridgeMobileScreenshot,
		Data: map[string]any{
			"selector": record.Selector,
			"device":   string(record.DeviceUI),
			"pid":      record.PID,
			"uid":      record.UID,
		},
	})
	if err != nil {
		p.breaker.Record(err)
		logger.Warn("bridge broadcast failed", zap.Error(err))
		return nil, false
	}
	if res.Unavailable() {
		p.breaker.Record(fmt.Errorf("no renderer answered"))
		return nil, false
	}
	p.breaker.Record(nil)
	payload, ok := res.FirstPayload()
	return payload, ok
}

// artifactPath builds the object name for a capture artifact.
func (p *Pipeline) artifactPath(job capture.Job, image []byte) string {
	suffix := job.ID
	if p.deps.Hasher != nil {
		if digest, err := p.deps.Hasher.Hash(image); err == nil && len(digest) >= 12 {
			suffix = digest[:12]
		}
	}
	return fmt.Sprintf("batches/%s/%s/%s-%s.png", job.BatchID, job.Record.PID, job.Record.UID, suffix)
}

// handoffMessage is the notification published after a successful upload.
type handoffMessage struct {
	JobID       string                  `json:"job_id"`
	BatchID     string                  `json:"batch_id"`
	ArtifactRef string                  `json:"artifact_ref"`
	Metadata    capture.CaptureMetadata `json:"metadata"`
}

// handleUpload persists the capture row and publishes the handoff
// notification for one successfully captured job.
func (p *Pipeline) handleUpload(ctx context.Context, d *queue.Delivery) {
	job := d.Job()
	logger := p.deps.Logger.With(
		zap.String("job_id", job.ID),
		zap.String("batch_id", job.BatchID),
	)

	meta := capture.CaptureMetadata{
		Timestamp: p.deps.Clock.Now(),
		Device:    job.Record.DeviceUI,
		PID:       job.Record.PID,
		UID:       job.Record.UID,
		AdType:    job.Record.AdType,
		URL:       job.Record.WebsiteURL,
	}
	result := capture.CaptureResult{
		Success:     true,
		ArtifactRef: job.ArtifactRef,
		Metadata:    meta,
	}

	if err := p.deps.Results.SaveCapture(ctx, job, result); err != nil {
		p.settleUploadFailure(d, job, err, logger)
		return
	}
	if p.deps.Publisher != nil {
		if _, err := p.deps.Publisher.Publish(ctx, p.cfg.UploadTopic, handoffMessage{
			JobID:       job.ID,
			BatchID:     job.BatchID,
			ArtifactRef: job.ArtifactRef,
			Metadata:    meta,
		}); err != nil {
			p.settleUploadFailure(d, job, err, logger)
			return
		}
	}

	d.Ack()
	p.tracker.Success(job.BatchID)
	logger.Info("handoff complete", zap.String("artifact", job.ArtifactRef))
}

func (p *Pipeline) settleUploadFailure(d *queue.Delivery, job capture.Job, err error, logger *zap.Logger) {
	logger.Warn("handoff attempt failed", zap.Error(err))
	if d.Nack() {
		metrics.ObserveRetry(string(capture.ClassUpload))
		return
	}
	p.tracker.Failure(job.BatchID, capture.BatchError{
		Record: job.Record,
		Class:  capture.ClassUpload,
		Error:  err.Error(),
	})
}
