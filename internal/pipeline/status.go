package pipeline

import (
	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
)

// MemberStatus — состояние одного члена стадии в отчёте.
type MemberStatus struct {
	// Kind — вид задачи.
	Kind string `json:"kind"`

	// InvocationID — идентификатор вызова; нулевой, если стадия
	// до этого члена не дошла.
	InvocationID uuid.UUID `json:"invocation_id,omitempty"`

	// State — состояние вызова. Для членов стадий, пропущенных
	// из-за падения выше по цепочке, — FAILURE by propagation.
	State domain.InvocationState `json:"state"`

	// Attempt — номер последней попытки.
	Attempt int `json:"attempt,omitempty"`

	// Error — сводка ошибки.
	Error string `json:"error,omitempty"`

	// Propagated — true, если FAILURE не собственный, а распространён
	// от упавшего предка (вызов не создавался).
	Propagated bool `json:"propagated,omitempty"`
}

// StageStatus — агрегат одной стадии.
type StageStatus struct {
	// Stage — индекс стадии.
	Stage int `json:"stage"`

	// State — агрегат: PENDING, RUNNING, SUCCESS, FAILURE, SKIPPED,
	// CANCELLED.
	State string `json:"state"`

	// Members — члены стадии в порядке плана.
	Members []MemberStatus `json:"members"`
}

// Status — ответ get_pipeline_status: пайплайн плюс постадийная
// детализация. Первая упавшая стадия идентифицируется полями
// FailedKind/Error самого пайплайна.
type Status struct {
	Pipeline *domain.Pipeline `json:"pipeline"`
	Stages   []StageStatus    `json:"stages"`
}

// Агрегатные состояния стадии.
const (
	StagePending   = "PENDING"
	StageRunning   = "RUNNING"
	StageSuccess   = "SUCCESS"
	StageFailure   = "FAILURE"
	StageSkipped   = "SKIPPED"
	StageCancelled = "CANCELLED"
)

// BuildStatus собирает постадийный отчёт из записи пайплайна и его
// вызовов. План восстанавливается из опций детерминированно, поэтому
// стадии, до которых выполнение не дошло, тоже отражаются: после
// падения — как SKIPPED с propagated FAILURE членов, после отмены —
// как CANCELLED. PENDING-потомков у упавшего предка не бывает:
// их вызовы не создавались.
func BuildStatus(p *domain.Pipeline, invs []*domain.TaskInvocation) (*Status, error) {
	plan, err := Compile(BuildAreaPipeline(p.Options))
	if err != nil {
		return nil, err
	}

	byStage := make(map[int]map[string]*domain.TaskInvocation)
	for _, inv := range invs {
		if byStage[inv.Stage] == nil {
			byStage[inv.Stage] = make(map[string]*domain.TaskInvocation)
		}
		byStage[inv.Stage][inv.Kind] = inv
	}

	st := &Status{Pipeline: p, Stages: make([]StageStatus, 0, plan.NumStages())}
	for i := 0; i < plan.NumStages(); i++ {
		st.Stages = append(st.Stages, buildStage(p, plan, i, byStage[i]))
	}
	return st, nil
}

func buildStage(p *domain.Pipeline, plan *Plan, stage int, rows map[string]*domain.TaskInvocation) StageStatus {
	specs := plan.Stage(stage).Members
	ss := StageStatus{Stage: stage, Members: make([]MemberStatus, 0, len(specs))}

	dispatched := len(rows) > 0 || (len(specs) == 0 && stage <= p.CurrentStage)
	if !dispatched {
		// Стадия не отправлялась: либо очередь до неё не дошла,
		// либо цепочка оборвалась раньше.
		switch p.State {
		case domain.PipelineFailure:
			ss.State = StageSkipped
			for _, spec := range specs {
				ss.Members = append(ss.Members, MemberStatus{
					Kind:       spec.Kind,
					State:      domain.StateFailure,
					Error:      "skipped: upstream stage failed",
					Propagated: true,
				})
			}
		case domain.PipelineCancelled:
			ss.State = StageCancelled
			for _, spec := range specs {
				ss.Members = append(ss.Members, MemberStatus{Kind: spec.Kind})
			}
		default:
			ss.State = StagePending
			for _, spec := range specs {
				ss.Members = append(ss.Members, MemberStatus{Kind: spec.Kind})
			}
		}
		return ss
	}

	// Пустая стадия, которую выполнение уже прошло, — вакуумный успех.
	if len(specs) == 0 {
		ss.State = StageSuccess
		return ss
	}

	var succeeded, failed int
	for _, spec := range specs {
		inv, ok := rows[spec.Kind]
		if !ok {
			ss.Members = append(ss.Members, MemberStatus{Kind: spec.Kind})
			continue
		}
		ss.Members = append(ss.Members, MemberStatus{
			Kind:         spec.Kind,
			InvocationID: inv.ID,
			State:        inv.State,
			Attempt:      inv.Attempt,
			Error:        inv.Error,
		})
		switch inv.State {
		case domain.StateSuccess:
			succeeded++
		case domain.StateFailure:
			failed++
		}
	}

	switch {
	case failed > 0:
		ss.State = StageFailure
	case succeeded == len(specs):
		ss.State = StageSuccess
	default:
		ss.State = StageRunning
	}
	return ss
}
