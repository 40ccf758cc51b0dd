package logx

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogFile = "./wabulk.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig controls the JSON file sink. Sizes are in megabytes.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Service owns the live sinks. Loggers handed out by it pick up every Apply.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *lumberjack.Logger

	active atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.active.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFile()
}

// Apply rebuilds the sinks and level; safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, newConsoleWriter(Stdout()))
	}
	if f := s.fileSink(cfg.File); f != nil {
		sinks = append(sinks, zerolog.SyncWriter(f))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.active.Store(&zl)
}

// fileSink keeps the lumberjack handle across applies that only change
// rotation settings. Caller holds mu.
func (s *Service) fileSink(fc FileConfig) *lumberjack.Logger {
	if !fc.Enabled {
		_ = s.closeFile()
		return nil
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.file.Filename != path {
		_ = s.closeFile()
	}
	if s.file == nil {
		s.file = &lumberjack.Logger{Filename: path}
	}
	s.file.MaxSize = fc.MaxSizeMB
	s.file.MaxBackups = fc.MaxBackups
	s.file.MaxAge = fc.MaxAgeDays
	s.file.Compress = fc.Compress
	return s.file
}

func (s *Service) closeFile() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
