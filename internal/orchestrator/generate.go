package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/lookbook-bot/internal/album"
	"github.com/fpang/lookbook-bot/internal/jobs"
	"github.com/fpang/lookbook-bot/internal/kie"
	"github.com/fpang/lookbook-bot/internal/metrics"
)

// Request kinds, used for metrics and transaction meta.
const (
	KindSingle = "single"
	KindPreset = "preset"
	KindAlbum  = "album"
)

const doneCaption = "Done ✅"

// Report summarises a batch.
type Report struct {
	Title     string `json:"title"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Balance   int64  `json:"balance"`
}

// item is one artifact to produce and bill.
type item struct {
	kind    string
	refs    []string
	prompt  string
	stem    string
	caption string
	meta    string
}

// Single generates one artifact from fileRef using prompt and bills one credit.
func (o *Orchestrator) Single(ctx context.Context, userID int64, fileRef, prompt string) error {
	caption := doneCaption
	if o.opts.ShowPromptInCaption && prompt != "" {
		caption += "\nprompt: " + clip(prompt, 220)
	}
	_, err := o.run(ctx, userID, []item{{
		kind:    KindSingle,
		refs:    []string{fileRef},
		prompt:  prompt,
		stem:    jobs.GenerateID(jobs.PrefixSingle),
		caption: caption,
		meta:    KindSingle,
	}}, nil)
	if err != nil {
		o.notify(ctx, userID, Notice(err))
	}
	return err
}

// Presets generates every shot of the chosen scenes from fileRef. The whole
// batch must be affordable up front; a failed shot is reported and skipped.
func (o *Orchestrator) Presets(ctx context.Context, userID int64, fileRef, choice string) (Report, error) {
	chosen, title, err := SelectScenes(choice, o.opts.ScenesLimit)
	if err != nil {
		o.notify(ctx, userID, Notice(err))
		return Report{}, err
	}

	var items []item
	for i, sc := range chosen {
		for _, shot := range sc.Shots {
			caption := sc.Name + " • " + shot.Name
			if o.opts.ShowPromptInCaption {
				caption += "\n" + clip(shot.Prompt, 300)
			}
			items = append(items, item{
				kind:    KindPreset,
				refs:    []string{fileRef},
				prompt:  shot.Prompt,
				stem:    jobs.GenerateID(jobs.PrefixSingle),
				caption: caption,
				meta:    fmt.Sprintf("%s:%d:%s", KindPreset, i, shot.Name),
			})
		}
	}

	report, err := o.run(ctx, userID, items, func() {
		o.notify(ctx, userID, "Generating: "+title+"…")
	})
	report.Title = title
	if err != nil {
		o.notify(ctx, userID, Notice(err))
		return report, err
	}
	if report.Delivered == 0 {
		o.notify(ctx, userID, "No variant could be generated.")
	} else {
		o.notify(ctx, userID, fmt.Sprintf("Done ✅ Sent: %d of %d. Balance: %d", report.Delivered, report.Attempted, report.Balance))
	}
	return report, nil
}

// Album generates one artifact from every image of the batch for one credit.
func (o *Orchestrator) Album(ctx context.Context, b album.Batch) error {
	caption := doneCaption
	if o.opts.ShowPromptInCaption && b.Caption != "" {
		caption += "\nalbum + prompt: " + clip(b.Caption, 200)
	}
	_, err := o.run(ctx, b.UserID, []item{{
		kind:    KindAlbum,
		refs:    b.Refs,
		prompt:  b.Caption,
		stem:    jobs.GenerateID(jobs.PrefixAlbum),
		caption: caption,
		meta:    KindAlbum,
	}}, nil)
	if err != nil {
		o.notify(ctx, b.UserID, Notice(err))
	}
	return err
}

// HandleAlbum adapts Album to album.FlushFunc. Flushes run on the
// aggregator's goroutines, so close the aggregator before Shutdown.
func (o *Orchestrator) HandleAlbum(ctx context.Context, b album.Batch) {
	if o.opts.Mock {
		o.deliverMock(ctx, b.UserID)
		return
	}
	_ = o.Album(ctx, b)
}

// run gates, produces, delivers and debits items in order under the account
// lock. started, if set, is called once the credit check has passed. It
// returns an error only when nothing could be attempted; per-item failures are
// reported to the user and counted.
func (o *Orchestrator) run(ctx context.Context, userID int64, items []item, started func()) (Report, error) {
	report := Report{Attempted: len(items)}

	unlock, err := o.locks.lock(ctx, userID)
	if err != nil {
		return report, err
	}
	defer unlock()

	needed := int64(len(items))
	balance, err := o.store.Balance(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("credit check: %w", err)
	}
	if balance < needed {
		metrics.Generations.WithLabelValues(items[0].kind, metrics.OutcomeInsufficient).Inc()
		return report, &InsufficientCreditsError{UserID: userID, Needed: needed, Balance: balance}
	}
	if started != nil {
		started()
	}

	var lastErr error
	for _, it := range items {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if err := o.produceAndBill(ctx, userID, it); err != nil {
			lastErr = err
			if len(items) > 1 {
				o.notify(ctx, userID, "Failed: "+firstLine(it.caption)+"\n- "+Notice(err))
			}
			continue
		}
		report.Delivered++
	}

	report.Balance, _ = o.store.Balance(context.WithoutCancel(ctx), userID)
	if len(items) == 1 && lastErr != nil {
		return report, lastErr
	}
	return report, nil
}

// produceAndBill runs one item through the provider, delivers it, then debits.
func (o *Orchestrator) produceAndBill(ctx context.Context, userID int64, it item) error {
	start := time.Now()
	path, err := o.produce(ctx, it)
	if err != nil {
		outcome := metrics.OutcomeFailed
		var timeout *kie.TimeoutError
		if errors.As(err, &timeout) {
			outcome = metrics.OutcomeTimeout
		}
		metrics.Generations.WithLabelValues(it.kind, outcome).Inc()
		log.Error().Err(err).Int64("userId", userID).Str("kind", it.kind).Int("images", len(it.refs)).Msg("Generation failed")
		return err
	}
	metrics.GenerationDuration.WithLabelValues(it.kind).Observe(time.Since(start).Seconds())

	if err := o.sink.SendPhoto(ctx, userID, path, it.caption); err != nil {
		metrics.Generations.WithLabelValues(it.kind, metrics.OutcomeFailed).Inc()
		return fmt.Errorf("deliver artifact: %w", err)
	}

	// Delivered: the debit must land even if the request is being torn down.
	billCtx := context.WithoutCancel(ctx)
	ok, err := o.store.SpendCredits(billCtx, userID, 1, it.meta)
	switch {
	case err != nil:
		log.Error().Err(err).Int64("userId", userID).Str("path", path).Msg("Artifact delivered but debit failed")
	case !ok:
		log.Warn().Int64("userId", userID).Str("path", path).Msg("Artifact delivered but balance no longer covers it")
	default:
		metrics.CreditsSpent.Inc()
	}
	metrics.Generations.WithLabelValues(it.kind, metrics.OutcomeDelivered).Inc()

	if o.opts.Archiver != nil {
		if _, err := o.opts.Archiver.Archive(billCtx, path, jobs.ArchiveKey(userID, path, time.Now())); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Artifact archive failed")
		}
	}
	return nil
}

// produce resolves refs, runs the provider job and downloads the first result.
func (o *Orchestrator) produce(ctx context.Context, it item) (string, error) {
	urls := make([]string, 0, len(it.refs))
	for _, ref := range it.refs {
		u, err := o.files.FileURL(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("resolve file %s: %w", ref, err)
		}
		urls = append(urls, u)
	}

	taskID, err := o.gen.CreateTask(ctx, kie.TaskRequest{Prompt: it.prompt, ImageURLs: urls})
	if err != nil {
		return "", err
	}
	res, err := o.gen.PollResult(ctx, taskID, o.opts.PollTimeout, o.opts.PollInterval)
	if err != nil {
		return "", err
	}
	path, err := o.fetch.Fetch(ctx, res.URLs[0], it.stem)
	if err != nil {
		return "", err
	}
	log.Info().Str("taskId", taskID).Str("kind", it.kind).Str("path", path).Msg("Artifact ready")
	return path, nil
}

// deliverMock sends the demo artifact without touching the provider or ledger.
func (o *Orchestrator) deliverMock(ctx context.Context, userID int64) {
	if o.opts.MockDemoFile == "" {
		o.notify(ctx, userID, "Mock mode has no demo file configured.")
		return
	}
	var err error
	switch strings.ToLower(filepath.Ext(o.opts.MockDemoFile)) {
	case ".mp4", ".mov", ".webm":
		err = o.sink.SendVideo(ctx, userID, o.opts.MockDemoFile, doneCaption)
	default:
		err = o.sink.SendPhoto(ctx, userID, o.opts.MockDemoFile, doneCaption)
	}
	if err != nil {
		log.Error().Err(err).Int64("userId", userID).Msg("Mock delivery failed")
	}
}

func (o *Orchestrator) notify(ctx context.Context, userID int64, text string) {
	if err := o.sink.SendText(context.WithoutCancel(ctx), userID, text); err != nil {
		log.Warn().Err(err).Int64("userId", userID).Msg("Failed to notify user")
	}
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
