package types

import "time"

// =============================================================================
// AGENTS
// =============================================================================

// AgentStatus tracks where an agent is in its duty cycle.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "INITIALIZING"
	AgentActive       AgentStatus = "ACTIVE"
	AgentDeliberating AgentStatus = "DELIBERATING"
	AgentWorking      AgentStatus = "WORKING"
	AgentReviewing    AgentStatus = "REVIEWING"
	AgentIdleWorking  AgentStatus = "IDLE_WORKING"
	AgentSuspended    AgentStatus = "SUSPENDED"
	AgentTerminated   AgentStatus = "TERMINATED"
)

// Agent is the persisted record of one actor in the hierarchy.
type Agent struct {
	ID                  string
	TierID              string // 5 decimal digits; first digit is the tier prefix
	Tier                Tier
	Name                string
	Status              AgentStatus
	ParentID            string // tier id of parent; empty for HEAD
	EthosID             string
	PreferredProvider   string
	IsPersistent        bool
	IncarnationNumber   int
	ConstitutionVersion string
	Granted             CapabilitySet
	Revoked             CapabilitySet
	TasksCompleted      int
	TasksFailed         int
	IdleCycles          int
	MismatchStreak      int // consecutive ConstitutionMismatch count
	TerminationReason   string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// =============================================================================
// ETHOS & CONSTITUTION
// =============================================================================

// PlanStep is one entry of an agent's active plan.
type PlanStep struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Ethos is an agent's mutable operating manual.
type Ethos struct {
	ID                       string
	AgentTierID              string // weak reverse lookup; no pointer cycle
	MissionStatement         string
	BehavioralRules          []string
	Restrictions             []string
	Capabilities             []string
	ConstitutionalReferences []string
	ActivePlan               []PlanStep
	WorkingState             string
	LessonsLearned           []string
	Version                  int
	UpdatedBy                string
	UpdatedAt                time.Time
}

// Article is one numbered section of the constitution.
type Article struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Constitution is one immutable version of the governing document.
type Constitution struct {
	ID                  string
	Version             string // sortable tag, e.g. "v0007"
	VersionNumber       int
	Preamble            string
	Articles            map[int]Article
	Prohibitions        []string
	SovereignPrefs      map[string]string
	IsActive            bool
	EffectiveDate       time.Time
	ReplacesVersionID   string
	ArchivedDate        *time.Time
	RatifiedByAmendment string
}

// =============================================================================
// TASKS & REVIEWS
// =============================================================================

// TaskStatus follows the pipeline state machine.
type TaskStatus string

const (
	TaskDraft        TaskStatus = "DRAFT"
	TaskAssigned     TaskStatus = "ASSIGNED"
	TaskInProgress   TaskStatus = "IN_PROGRESS"
	TaskDeliberating TaskStatus = "DELIBERATING"
	TaskCompleted    TaskStatus = "COMPLETED"
	TaskFailed       TaskStatus = "FAILED"
	TaskCancelled    TaskStatus = "CANCELLED"
)

// MaxTaskRetries caps critic-driven retries per task. The attempt after
// the cap escalates instead of retrying.
const MaxTaskRetries = 5

// AcceptanceCriterion binds a measurable threshold to the critic
// specialty that checks it.
type AcceptanceCriterion struct {
	Metric      string      `json:"metric"` // snake_case identifier, drives checker dispatch
	Threshold   interface{} `json:"threshold"`
	Validator   string      `json:"validator"` // CODE | OUTPUT | PLAN
	IsMandatory bool        `json:"is_mandatory"`
	Description string      `json:"description,omitempty"`
}

// Task is one unit of delegated work.
type Task struct {
	ID                 string
	Title              string
	Description        string
	Status             TaskStatus
	Priority           int
	CreatedBy          string
	AssignedAgents     []string
	Plan               string
	Output             string
	AcceptanceCriteria []AcceptanceCriterion
	RetryCount         int
	ProgressPercent    int
	LastSuggestions    string // injected into the next executor prompt after a REJECT
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Verdict is a critic's ruling on an output.
type Verdict string

const (
	VerdictPass     Verdict = "PASS"
	VerdictReject   Verdict = "REJECT"
	VerdictEscalate Verdict = "ESCALATE"
)

// CriterionResult records per-criterion pass/fail on a review.
type CriterionResult struct {
	Metric string `json:"metric"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// CritiqueReview is one critic ruling over one (task, output) pair.
type CritiqueReview struct {
	ID               string
	TaskID           string
	CriticTier       Tier
	CriticTierID     string
	Verdict          Verdict
	RejectionReason  string
	Suggestions      string
	RetryCount       int
	ReviewDurationMS int64
	ModelUsed        string
	OutputHash       string
	CriteriaResults  []CriterionResult
	ConsensusFailed  bool
	CreatedAt        time.Time
}

// =============================================================================
// PROVIDERS
// =============================================================================

// ProviderKind names an external model provider family.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderOpenRouter ProviderKind = "openrouter"
	ProviderZAI        ProviderKind = "zai"
	ProviderLocal      ProviderKind = "local"
)

// KeyStatus tracks a provider key's health.
type KeyStatus string

const (
	KeyActive    KeyStatus = "ACTIVE"
	KeyTesting   KeyStatus = "TESTING"
	KeyCooldown  KeyStatus = "COOLDOWN"
	KeyError     KeyStatus = "ERROR"
	KeyExhausted KeyStatus = "EXHAUSTED"
)

// ProviderKey is one credential for one provider, with health and
// budget accounting.
type ProviderKey struct {
	ID                string
	Kind              ProviderKind
	EncryptedMaterial string // chacha20poly1305 sealed, base64
	BaseURL           string
	DefaultModel      string
	Priority          int // 1 = primary
	Status            KeyStatus
	FailureCount      int
	LastFailureAt     *time.Time
	CooldownUntil     *time.Time
	MonthlyBudget     float64 // 0 = unlimited
	CurrentSpend      float64
	SpendResetAt      time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// InCooldown reports whether the key is still cooling down at now.
func (k *ProviderKey) InCooldown(now time.Time) bool {
	return k.CooldownUntil != nil && k.CooldownUntil.After(now)
}

// OverBudget reports whether spending cost would exceed the monthly
// budget. A zero budget means unlimited.
func (k *ProviderKey) OverBudget(cost float64) bool {
	return k.MonthlyBudget > 0 && k.CurrentSpend+cost >= k.MonthlyBudget
}

// =============================================================================
// AMENDMENTS
// =============================================================================

// AmendmentStatus follows the constitutional state machine.
type AmendmentStatus string

const (
	AmendmentProposed     AmendmentStatus = "PROPOSED"
	AmendmentDeliberating AmendmentStatus = "DELIBERATING"
	AmendmentVoting       AmendmentStatus = "VOTING"
	AmendmentRatified     AmendmentStatus = "RATIFIED"
	AmendmentRejected     AmendmentStatus = "REJECTED"
	AmendmentWithdrawn    AmendmentStatus = "WITHDRAWN"
)

// VoteChoice is one voter's position.
type VoteChoice string

const (
	VoteFor     VoteChoice = "FOR"
	VoteAgainst VoteChoice = "AGAINST"
	VoteAbstain VoteChoice = "ABSTAIN"
)

// Vote is the latest ballot of one voter on one amendment.
type Vote struct {
	AmendmentID string
	VoterTierID string
	Choice      VoteChoice
	CastAt      time.Time
}

// Amendment is one proposed constitutional change.
type Amendment struct {
	ID               string
	Status           AmendmentStatus
	ProposerTierID   string
	SponsorTierIDs   []string
	DebateThread     []string
	EligibleVoters   []string
	RequiredVotes    int
	SupermajorityPct float64
	VotesFor         int
	VotesAgainst     int
	VotesAbstain     int
	DiffDocument     string
	StartedAt        time.Time
	EndsAt           *time.Time
	RatifiedConstID  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// =============================================================================
// EXPERIMENTS
// =============================================================================

// ExperimentStatus follows an A/B comparison's run state.
type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "PENDING"
	ExperimentRunning   ExperimentStatus = "RUNNING"
	ExperimentCompleted ExperimentStatus = "COMPLETED"
	ExperimentCancelled ExperimentStatus = "CANCELLED"
)

// ExperimentArm is one provider/model under comparison, with its
// measured outcome after a run.
type ExperimentArm struct {
	Provider        ProviderKind      `json:"provider"`
	Model           string            `json:"model,omitempty"`
	Output          string            `json:"output,omitempty"`
	TokensUsed      int               `json:"tokens_used,omitempty"`
	LatencyMS       int64             `json:"latency_ms,omitempty"`
	CriteriaPassed  int               `json:"criteria_passed,omitempty"`
	CriteriaResults []CriterionResult `json:"criteria_results,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Experiment is one A/B comparison of the same prompt across provider
// arms, scored by acceptance criteria.
type Experiment struct {
	ID        string
	Name      string
	Prompt    string
	Criteria  []AcceptanceCriterion
	Status    ExperimentStatus
	Arms      []ExperimentArm
	Winner    string // provider kind of the winning arm
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditLevel grades audit entries.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "INFO"
	AuditWarning  AuditLevel = "WARNING"
	AuditCritical AuditLevel = "CRITICAL"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID          int64
	TS          time.Time
	Level       AuditLevel
	Category    string
	ActorType   string // agent | principal | system
	ActorID     string
	Action      string
	TargetType  string
	TargetID    string
	Description string
	Metadata    map[string]interface{}
}
