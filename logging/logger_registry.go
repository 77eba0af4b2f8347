package logging

import (
	"regexp"
	"sort"
	"sync"
)

type levelPattern struct {
	re    *regexp.Regexp
	level Level
}

// loggerRegistry tracks every logger below one root so that level patterns also reach
// subloggers created after the patterns were set.
type loggerRegistry struct {
	mu       sync.Mutex
	loggers  map[string]Logger
	defaults map[string]Level
	patterns []levelPattern
}

func newRegistry() *loggerRegistry {
	return &loggerRegistry{
		loggers:  make(map[string]Logger),
		defaults: make(map[string]Level),
	}
}

// getOrRegister will either:
//   - return an existing logger for the input logger `name` or
//   - register the input `logger` for the given logger `name` and configure it based on the
//     existing patterns.
//
// Such that if concurrent callers try registering the same logger, the "winner"s logger will be
// registered and all losers will return the winning logger.
func (lr *loggerRegistry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existing, ok := lr.loggers[name]; ok {
		return existing
	}
	lr.loggers[name] = logger
	lr.defaults[name] = logger.GetLevel()
	if level, ok := lr.matchLocked(name); ok {
		logger.SetLevel(level)
	}
	return logger
}

// matchLocked returns the level of the last pattern matching name.
func (lr *loggerRegistry) matchLocked(name string) (Level, bool) {
	var level Level
	matched := false
	for _, p := range lr.patterns {
		if p.re.MatchString(name) {
			level, matched = p.level, true
		}
	}
	return level, matched
}

// update replaces the patterns and reapplies them. Loggers no pattern matches go back to the
// level they were registered with. Nothing changes if any pattern is invalid.
func (lr *loggerRegistry) update(cfgs []LoggerPatternConfig) error {
	patterns := make([]levelPattern, 0, len(cfgs))
	for _, lpc := range cfgs {
		if err := lpc.Validate(); err != nil {
			return err
		}
		re, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil {
			return err
		}
		//nolint:errcheck
		level, _ := LevelFromString(lpc.Level)
		patterns = append(patterns, levelPattern{re: re, level: level})
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.patterns = patterns
	for name, logger := range lr.loggers {
		level, ok := lr.matchLocked(name)
		if !ok {
			level = lr.defaults[name]
		}
		logger.SetLevel(level)
	}
	return nil
}

func (lr *loggerRegistry) names() []string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	names := make([]string, 0, len(lr.loggers))
	for name := range lr.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
