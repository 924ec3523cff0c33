package gen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imagegate/imagegate/pkg/b2"
	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/task"
	"github.com/imagegate/imagegate/pkg/vertex"
)

// Executor runs one detached background job per generation task. It is
// the sole writer of its task record, so updates are strictly
// sequential and progress stays monotone.
type Executor struct {
	Tasks   *task.Store
	Objects *b2.Client
	Model   *vertex.Client
	Norm    *Normalizer

	// ReturnBase is the public URL base; result URLs are ReturnBase + "/i/" + key.
	ReturnBase string

	// KeyPrefix for result object keys (default "gemini/").
	KeyPrefix string

	// MaxImages caps uploaded response images (default 1).
	MaxImages int

	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// Run drives a task through the four stages. It never returns an
// error: failures are persisted on the task record and discovered by
// pollers.
func (e *Executor) Run(ctx context.Context, t *task.Task) {
	log := e.Log.With().Str("task_id", t.ID).Logger()

	// Stage 1: normalize reference images.
	start := time.Now()
	t.Advance(task.ProgressAccepted)
	e.put(ctx, t)

	var entries []json.RawMessage
	if len(t.RefImages) > 0 {
		if err := json.Unmarshal(t.RefImages, &entries); err != nil {
			e.fail(ctx, t, "REF_IMAGE_INVALID: not an array")
			return
		}
	}
	refs, err := e.Norm.Normalize(ctx, entries)
	if err != nil {
		e.fail(ctx, t, "REF_IMAGE_INVALID: "+err.Error())
		return
	}
	e.Metrics.ObserveStage("normalize", time.Since(start))

	// Stage 2: build the upstream payload.
	req := BuildRequest(t.Prompt, t.Options, refs)
	t.Advance(task.ProgressPrepared)
	e.put(ctx, t)

	// Stage 3: call the model.
	start = time.Now()
	resp, project, err := e.Model.Generate(ctx, req)
	if err != nil {
		e.fail(ctx, t, err.Error())
		return
	}
	log.Info().Str("project", project).Msg("model call succeeded")
	e.Metrics.ObserveStage("model", time.Since(start))
	t.Advance(task.ProgressGenerated)
	e.put(ctx, t)

	// Stage 4: upload result images.
	start = time.Now()
	images := resp.InlineImages()
	if len(images) == 0 {
		e.fail(ctx, t, "NO_IMAGE_IN_RESPONSE")
		return
	}
	maxImages := e.MaxImages
	if maxImages < 1 {
		maxImages = 1
	}
	if len(images) > maxImages {
		images = images[:maxImages]
	}

	urls := make([]string, 0, len(images))
	for _, img := range images {
		raw, err := base64.StdEncoding.DecodeString(StripDataPrefix(img.Data))
		if err != nil {
			log.Warn().Err(err).Msg("undecodable image in response")
			continue
		}
		key := b2.BuildKey(e.keyPrefix(), time.Now(), uuid.NewString(), img.MimeType)
		if err := e.Objects.Upload(ctx, key, img.MimeType, raw, b2.SHA1Hex(raw)); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("result upload failed")
			continue
		}
		e.Metrics.UploadedBytes(len(raw))
		urls = append(urls, e.ReturnBase+"/i/"+key)
	}
	if len(urls) == 0 {
		e.fail(ctx, t, "UPLOAD_FAILED")
		return
	}
	e.Metrics.ObserveStage("upload", time.Since(start))

	result := &task.Result{URL: urls[0]}
	if len(urls) > 1 {
		result.URLs = urls
	}
	t.Complete(result)
	e.put(ctx, t)
	e.Metrics.TaskFinished(string(task.StatusCompleted))
	log.Info().Str("url", result.URL).Msg("task completed")
}

func (e *Executor) keyPrefix() string {
	if e.KeyPrefix == "" {
		return "gemini/"
	}
	return e.KeyPrefix
}

func (e *Executor) fail(ctx context.Context, t *task.Task, msg string) {
	t.Fail(msg)
	e.put(ctx, t)
	e.Metrics.TaskFinished(string(task.StatusFailed))
	e.Log.Warn().Str("task_id", t.ID).Str("error", msg).Msg("task failed")
}

func (e *Executor) put(ctx context.Context, t *task.Task) {
	if err := e.Tasks.Put(ctx, t); err != nil {
		e.Log.Error().Str("task_id", t.ID).Err(err).Msg("task write failed")
	}
}
