// Package orchestrator turns inbound photos into delivered, billed artifacts.
//
// Every request follows the same policy: check that the account can cover
// the whole request, produce each artifact with the generation provider,
// deliver it, and only then debit one credit for it. Requests for the same
// account are serialised by a per-account lock held from the credit check to
// the last debit, so two concurrent batches cannot both pass the check and
// jointly overspend. There is no refund path: a failed artifact is simply not
// debited.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/lookbook-bot/internal/kie"
	"github.com/fpang/lookbook-bot/internal/ledger"
)

// FileResolver turns an opaque inbound file reference into a downloadable URL.
type FileResolver interface {
	FileURL(ctx context.Context, ref string) (string, error)
}

// Sink delivers messages to a user.
type Sink interface {
	SendText(ctx context.Context, userID int64, text string) error
	SendPhoto(ctx context.Context, userID int64, path, caption string) error
	SendVideo(ctx context.Context, userID int64, path, caption string) error
}

// Generator is the remote job client.
type Generator interface {
	CreateTask(ctx context.Context, req kie.TaskRequest) (string, error)
	PollResult(ctx context.Context, taskID string, timeout, interval time.Duration) (*kie.Result, error)
}

// Fetcher downloads a result URL to a local file named after stem.
type Fetcher interface {
	Fetch(ctx context.Context, url, stem string) (string, error)
}

// Archiver keeps a copy of delivered artifacts.
type Archiver interface {
	Archive(ctx context.Context, localPath, key string) (string, error)
}

// AlbumAdder buffers album parts until their group is flushed.
type AlbumAdder interface {
	Add(groupID string, userID int64, caption, ref string) (bool, error)
}

// Options is the immutable behaviour snapshot taken from configuration.
type Options struct {
	// Mock skips the provider and the ledger and sends MockDemoFile instead.
	Mock         bool
	MockDemoFile string

	Welcome             int64
	CaptionAsPrompt     bool
	ShowPromptInCaption bool
	ScenesLimit         int

	PollTimeout  time.Duration
	PollInterval time.Duration

	// Archiver is optional.
	Archiver Archiver
}

// Orchestrator composes the ledger, generator, fetcher and sink.
type Orchestrator struct {
	store ledger.Store
	files FileResolver
	sink  Sink
	gen   Generator
	fetch Fetcher
	opts  Options

	locks *accountLocks

	mu        sync.Mutex
	lastPhoto map[int64]string
	closing   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator.
func New(store ledger.Store, files FileResolver, sink Sink, gen Generator, fetch Fetcher, opts Options) *Orchestrator {
	if opts.ScenesLimit <= 0 {
		opts.ScenesLimit = len(scenes)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		files:     files,
		sink:      sink,
		gen:       gen,
		fetch:     fetch,
		opts:      opts,
		locks:     newAccountLocks(),
		lastPhoto: make(map[int64]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Go runs fn in the background under the orchestrator's lifetime context.
// It returns ErrShuttingDown once Shutdown has begun.
func (o *Orchestrator) Go(name string, fn func(ctx context.Context)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return ErrShuttingDown
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("task", name).Msg("Background task panicked")
			}
		}()
		fn(o.ctx)
	}()
	return nil
}

// Shutdown stops accepting background work and waits for running tasks.
// When ctx expires first, running tasks are cancelled; an artifact that was
// already delivered is still debited because debits ignore cancellation.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		log.Warn().Msg("Shutdown deadline reached, cancelling in-flight generations")
		<-done
		return ctx.Err()
	}
}

// RememberPhoto stores the user's latest photo for a later scene choice.
func (o *Orchestrator) RememberPhoto(userID int64, ref string) {
	o.mu.Lock()
	o.lastPhoto[userID] = ref
	o.mu.Unlock()
}

// LastPhoto returns the remembered photo, if any.
func (o *Orchestrator) LastPhoto(userID int64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ref, ok := o.lastPhoto[userID]
	return ref, ok
}

// ForgetPhoto drops the remembered photo.
func (o *Orchestrator) ForgetPhoto(userID int64) {
	o.mu.Lock()
	delete(o.lastPhoto, userID)
	o.mu.Unlock()
}

// Submission is one inbound photo.
type Submission struct {
	UserID  int64  `json:"user_id"`
	FileRef string `json:"file_ref"`
	Caption string `json:"caption"`
	GroupID string `json:"group_id"`
}

// Action tells the caller how a submission was routed.
type Action string

const (
	ActionAlbum  Action = "album"
	ActionSingle Action = "single"
	ActionMenu   Action = "menu"
	ActionMock   Action = "mock"
)

// Routed is the synchronous answer to Submit.
type Routed struct {
	Action Action  `json:"action"`
	Scenes []Scene `json:"scenes,omitempty"`
}

// Submit ensures the account exists and routes the photo. Album parts go to
// albums; a captioned photo becomes a single job when captions are prompts;
// anything else is remembered and answered with the scene menu. Generation
// runs in the background.
func (o *Orchestrator) Submit(ctx context.Context, albums AlbumAdder, s Submission) (Routed, error) {
	if _, _, err := o.store.EnsureAccount(ctx, s.UserID, o.opts.Welcome); err != nil {
		return Routed{}, err
	}
	caption := strings.TrimSpace(s.Caption)

	if o.opts.Mock {
		err := o.Go("mock", func(ctx context.Context) { o.deliverMock(ctx, s.UserID) })
		return Routed{Action: ActionMock}, err
	}

	if s.GroupID != "" && albums != nil {
		if _, err := albums.Add(s.GroupID, s.UserID, caption, s.FileRef); err != nil {
			return Routed{}, err
		}
		return Routed{Action: ActionAlbum}, nil
	}

	if caption != "" && o.opts.CaptionAsPrompt {
		err := o.Go("single", func(ctx context.Context) {
			_ = o.Single(ctx, s.UserID, s.FileRef, caption)
		})
		return Routed{Action: ActionSingle}, err
	}

	o.RememberPhoto(s.UserID, s.FileRef)
	return Routed{Action: ActionMenu, Scenes: Scenes()}, nil
}

// ChooseScenes runs the preset batch for the remembered photo in the
// background. "cancel" forgets the photo.
func (o *Orchestrator) ChooseScenes(ctx context.Context, userID int64, choice string) error {
	ref, ok := o.LastPhoto(userID)
	if !ok {
		return ErrNoPhoto
	}
	if strings.EqualFold(strings.TrimSpace(choice), "cancel") {
		o.ForgetPhoto(userID)
		return nil
	}
	if _, _, err := SelectScenes(choice, o.opts.ScenesLimit); err != nil {
		return err
	}
	return o.Go("presets", func(ctx context.Context) {
		if _, err := o.Presets(ctx, userID, ref, choice); err == nil {
			o.ForgetPhoto(userID)
		}
	})
}
