package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"quota-gateway/internal/domain"
	"quota-gateway/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// RulesWatcher observa o arquivo de regras e instala cada versão válida.
// Versões inválidas são registradas e ignoradas; a configuração anterior
// continua ativa.
type RulesWatcher struct {
	path     string
	load     func() (*domain.RateLimitConfig, error)
	apply    func(*domain.RateLimitConfig) error
	logger   domain.Logger
	metrics  *metrics.Collector
	debounce time.Duration
}

// WatcherOption configura o RulesWatcher
type WatcherOption func(*RulesWatcher)

// WithDebounce altera o intervalo de coalescência de eventos
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *RulesWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherMetrics conta falhas de leitura do arquivo como recargas falhas
func WithWatcherMetrics(c *metrics.Collector) WatcherOption {
	return func(w *RulesWatcher) { w.metrics = c }
}

// NewRulesWatcher cria o watcher. load normalmente é ConfigLoader.Reload e
// apply é o Reload do serviço.
func NewRulesWatcher(
	path string,
	load func() (*domain.RateLimitConfig, error),
	apply func(*domain.RateLimitConfig) error,
	logger domain.Logger,
	opts ...WatcherOption,
) (*RulesWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	w := &RulesWatcher{
		path:     absPath,
		load:     load,
		apply:    apply,
		logger:   logger,
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run bloqueia até o contexto ser cancelado
func (w *RulesWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// observa o diretório: editores que salvam via rename trocam o inode
	dir := filepath.Dir(w.path)
	name := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.logger.Info("Watching rules file", map[string]interface{}{"path": w.path})

	changed := make(chan struct{}, 1)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}

			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				})
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.logger.Warn("Rules file removed, keeping current configuration", map[string]interface{}{
					"path": w.path,
				})
			}

		case <-changed:
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", err, map[string]interface{}{"path": w.path})
		}
	}
}

func (w *RulesWatcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.metrics.ObserveReload(false)
		w.logger.Error("Invalid rules file, keeping current configuration", err, map[string]interface{}{
			"path": w.path,
		})
		return
	}

	if err := w.apply(cfg); err != nil {
		w.logger.Error("Failed to apply rules file", err, map[string]interface{}{"path": w.path})
		return
	}

	w.logger.Info("Rules file reloaded", map[string]interface{}{
		"path":  w.path,
		"rules": len(cfg.Rules),
	})
}
