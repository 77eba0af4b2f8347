// Package camera defines the frame sources the pipeline reads from.
package camera

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
)

// ErrEndOfStream is returned by finite sources once every frame has been read.
var ErrEndOfStream = errors.New("end of stream")

// A Source produces frames. It is owned by one goroutine at a time.
type Source interface {
	// Read blocks until the next frame is available.
	Read(ctx context.Context) (image.Image, error)
	Close(ctx context.Context) error
}

// A Rewinder is a finite source that can restart from its first frame.
type Rewinder interface {
	Rewind() error
}

// SourceError is a failure to open or read a frame source.
type SourceError struct {
	Op  string
	Err error
}

// NewSourceError wraps err as a SourceError for the given operation.
func NewSourceError(op string, err error) error {
	return &SourceError{Op: op, Err: err}
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// Constructor builds a source from its attributes.
type Constructor func(ctx context.Context, attrs config.AttributeMap, logger logging.Logger) (Source, error)

var (
	registryMu   sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register makes a source type available by name. It panics on duplicate names.
func Register(typ string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := constructors[typ]; ok {
		panic(errors.Errorf("source type %q registered twice", typ))
	}
	constructors[typ] = constructor
}

// RegisteredTypes lists the known source types.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := lo.Keys(constructors)
	sort.Strings(types)
	return types
}

// AttrOpenTimeout is accepted by every source type. It bounds one open attempt.
const AttrOpenTimeout = "open_timeout"

// Open builds the configured source. Failures are SourceErrors.
func Open(ctx context.Context, cfg config.SourceConfig, logger logging.Logger) (Source, error) {
	registryMu.RLock()
	constructor, ok := constructors[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, config.NewConfigError("source.type", errors.Errorf("unknown source type %q, expected one of %v", cfg.Type, RegisteredTypes()))
	}
	timeout, err := cfg.Attributes.Duration(AttrOpenTimeout, 0)
	if err != nil {
		return nil, config.NewConfigError("source.attributes."+AttrOpenTimeout, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	attrs := config.AttributeMap(lo.OmitByKeys(cfg.Attributes, []string{AttrOpenTimeout}))
	src, err := constructor(ctx, attrs, logger.Sublogger(cfg.Type))
	if err != nil {
		if config.IsConfigError(err) {
			return nil, err
		}
		return nil, NewSourceError("open", err)
	}
	return src, nil
}

// Opener opens a fresh source. The pipeline calls it on every open attempt.
type Opener func(ctx context.Context) (Source, error)

// OpenerFor returns an Opener for the configured source.
func OpenerFor(cfg config.SourceConfig, logger logging.Logger) Opener {
	return func(ctx context.Context) (Source, error) {
		return Open(ctx, cfg, logger)
	}
}
