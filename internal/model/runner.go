package model

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shaiso/floodtwin/internal/domain"
)

// DefaultRunTimeout ограничивает время счёта одного запуска модели.
const DefaultRunTimeout = 2 * time.Hour

// RunnerConfig — конфигурация запуска модели.
type RunnerConfig struct {
	// Binary — имя или путь бинаря BG_Flood.
	Binary string

	// Timeout — предел времени счёта одного запуска.
	Timeout time.Duration

	Logger *slog.Logger
}

// Runner запускает бинарь модели в каталоге запуска. Модель сама
// читает BG_param.txt из текущего каталога, аргументы ей не нужны.
type Runner struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner создаёт Runner с подстановкой значений по умолчанию.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRunTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{binary: cfg.Binary, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Run выполняет модель в каталоге env. Объединённый вывод процесса
// сохраняется в model.log рядом с результатом независимо от исхода.
func (r *Runner) Run(ctx context.Context, env *Environment) error {
	if err := env.RequireFiles(ParamsFile); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary)
	cmd.Dir = env.RunDir

	started := time.Now()
	out, err := cmd.CombinedOutput()
	if werr := os.WriteFile(env.Path(LogFile), out, 0o644); werr != nil {
		r.logger.Warn("cannot save model log", "run_dir", env.RunDir, "error", werr)
	}
	if err == nil {
		r.logger.Info("model run finished", "run_dir", env.RunDir, "took", time.Since(started).String())
		return nil
	}
	return classifyRunError(ctx, err, out)
}

// classifyRunError переводит сбой процесса в класс ошибки задачи.
// Срыв по таймауту и нехватка памяти считаются исчерпанием ресурсов,
// прерывание извне повторяемо, остальное падает как ошибка модели.
func classifyRunError(ctx context.Context, err error, out []byte) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.Resourcef("model: run exceeded time limit")
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.Transientf("model: run interrupted")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		lower := strings.ToLower(string(out))
		if strings.Contains(lower, "out of memory") || strings.Contains(lower, "cannot allocate") {
			return domain.Resourcef("model: exit code %d: out of memory", exitErr.ExitCode())
		}
		return domain.Logicf("model: exited with code %d", exitErr.ExitCode())
	}
	return domain.Logicf("model: start process: %v", err)
}
