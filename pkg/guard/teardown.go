package guard

import (
	"context"
	"log/slog"
	"time"
)

// TeardownStep один шаг best-effort teardown при logout.
type TeardownStep struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunTeardown выполняет шаги teardown последовательно. Каждый шаг изолирован:
// ошибка или panic одного шага логируется и не мешает остальным. Logout
// обязан дойти до терминального состояния даже при частичных сбоях.
// Возвращает ошибки по именам шагов.
func RunTeardown(ctx context.Context, steps ...TeardownStep) map[string]error {
	failures := make(map[string]error)

	for _, step := range steps {
		start := time.Now()
		err := runStep(ctx, step)
		if err != nil {
			failures[step.Name] = err
			slog.Warn("teardown step failed, continuing",
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
				slog.Duration("elapsed", time.Since(start)))
			continue
		}
		slog.Debug("teardown step done",
			slog.String("step", step.Name),
			slog.Duration("elapsed", time.Since(start)))
	}

	return failures
}

func runStep(ctx context.Context, step TeardownStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Step: step.Name, Value: r}
			slog.Error("teardown step panicked",
				slog.String("step", step.Name),
				slog.Any("panic", r))
		}
	}()
	return step.Run(ctx)
}

// PanicError оборачивает panic, пойманный внутри шага teardown.
type PanicError struct {
	Step  string
	Value any
}

func (e *PanicError) Error() string {
	return "panic in teardown step " + e.Step
}
