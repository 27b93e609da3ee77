package contracts

import "time"

// CycleState is the orchestrator state of a (company, department) pair.
type CycleState string

const (
	StateIdle     CycleState = "idle"
	StateSensing  CycleState = "sensing"
	StateThinking CycleState = "thinking"
	StateGuarding CycleState = "guarding"
	StateActing   CycleState = "acting"
	StateLearning CycleState = "learning"
)

// StateFor returns the orchestrator state while phase p runs.
func StateFor(p Phase) CycleState {
	switch p {
	case PhaseSense:
		return StateSensing
	case PhaseThink:
		return StateThinking
	case PhaseGuard:
		return StateGuarding
	case PhaseAct:
		return StateActing
	case PhaseLearn:
		return StateLearning
	default:
		return StateIdle
	}
}

// CycleSummary is returned by every cycle run, including failed ones.
type CycleSummary struct {
	CycleID           string           `json:"cycle_id"`
	CompanyID         string           `json:"company_id"`
	Department        DepartmentType   `json:"department"`
	Status            LogStatus        `json:"status"`
	FailedPhase       Phase            `json:"failed_phase,omitempty"`
	Error             string           `json:"error,omitempty"`
	SignalsSensed     int              `json:"signals_sensed"`
	DecisionsProduced int              `json:"decisions_produced"`
	Duplicates        int              `json:"duplicates_suppressed"`
	Verdicts          map[Verdict]int  `json:"verdicts"`
	Executed          int              `json:"executed"`
	ExecutionFailures int              `json:"execution_failures"`
	BudgetBlocked     int              `json:"budget_blocked"`
	CreditsConsumed   int64            `json:"credits_consumed"`
	LessonsRecorded   int              `json:"lessons_recorded"`
	Gaps              []GapObservation `json:"gaps,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       time.Time        `json:"completed_at"`
}
