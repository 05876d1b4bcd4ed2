package types

import (
	"time"
)

// StorageProvider is a registered storage provider loaded from the chain
// registry. Uniqueness is on Address; ProviderID is the registry's numeric id.
type StorageProvider struct {
	Address    string            `db:"address"`
	ProviderID int64             `db:"provider_id"`
	ServiceURL string            `db:"service_url"`
	Active     bool              `db:"active"`
	Approved   bool              `db:"approved"`
	Metadata   map[string]string `db:"-"`
	CreatedAt  time.Time         `db:"created_at"`
	UpdatedAt  time.Time         `db:"updated_at"`
}

// DealStatus is the state of one upload probe
type DealStatus string

const (
	DealStatusPending        DealStatus = "PENDING"
	DealStatusIngested       DealStatus = "INGESTED"
	DealStatusChainConfirmed DealStatus = "CHAIN_CONFIRMED"
	DealStatusPieceAdded     DealStatus = "PIECE_ADDED"
	DealStatusDealCreated    DealStatus = "DEAL_CREATED"
	DealStatusFailed         DealStatus = "FAILED"
)

// dealStatusRank orders the forward-only upload states. FAILED is terminal
// and reachable from any non-terminal state.
var dealStatusRank = map[DealStatus]int{
	DealStatusPending:        0,
	DealStatusIngested:       1,
	DealStatusChainConfirmed: 2,
	DealStatusPieceAdded:     3,
	DealStatusDealCreated:    4,
}

// Terminal reports whether the status is an end state
func (s DealStatus) Terminal() bool {
	return s == DealStatusDealCreated || s == DealStatusFailed
}

// CanAdvanceTo reports whether a transition from s to next respects the
// forward-only status chain
func (s DealStatus) CanAdvanceTo(next DealStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == DealStatusFailed {
		return true
	}
	cur, ok := dealStatusRank[s]
	if !ok {
		return false
	}
	nxt, ok := dealStatusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// Deal records one upload probe against a single provider
type Deal struct {
	ID                 string            `db:"id"`
	SPAddress          string            `db:"sp_address"`
	WalletAddress      string            `db:"wallet_address"`
	PieceCID           string            `db:"piece_cid"`
	RootCID            string            `db:"root_cid"`
	FileSize           int64             `db:"file_size"`
	FileName           string            `db:"file_name"`
	Status             DealStatus        `db:"status"`
	IngestLatencyMs    int64             `db:"ingest_latency_ms"`
	ChainLatencyMs     int64             `db:"chain_latency_ms"`
	DealLatencyMs      int64             `db:"deal_latency_ms"`
	IngestThroughputBps float64          `db:"ingest_throughput_bps"`
	ServiceTypes       []string          `db:"-"`
	Metadata           map[string]string `db:"-"`
	ErrorMessage       string            `db:"error_message"`
	CreatedAt          time.Time         `db:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at"`
}

// Advance moves the deal forward to next, returning false if the
// transition would violate the forward-only chain
func (d *Deal) Advance(next DealStatus) bool {
	if !d.Status.CanAdvanceTo(next) {
		return false
	}
	d.Status = next
	return true
}

// RetrievalStatus is the state of one retrieval probe result
type RetrievalStatus string

const (
	RetrievalStatusPending RetrievalStatus = "PENDING"
	RetrievalStatusSuccess RetrievalStatus = "SUCCESS"
	RetrievalStatusFailed  RetrievalStatus = "FAILED"
)

// Retrieval records one strategy's retrieval probe for a deal
type Retrieval struct {
	ID                string          `db:"id"`
	DealID            string          `db:"deal_id"`
	ServiceType       string          `db:"service_type"`
	RetrievalEndpoint string          `db:"retrieval_endpoint"`
	Status            RetrievalStatus `db:"status"`
	LatencyMs         int64           `db:"latency_ms"`
	TTFBMs            int64           `db:"ttfb_ms"`
	ThroughputBps     float64         `db:"throughput_bps"`
	BytesRetrieved    int64           `db:"bytes_retrieved"`
	ResponseCode      int             `db:"response_code"`
	ErrorMessage      string          `db:"error_message"`
	RetryCount        int             `db:"retry_count"`
	ValidationMethod  string          `db:"validation_method"`
	ValidationDetails string          `db:"validation_details"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// JobFamily names a class of periodic per-provider work
type JobFamily string

const (
	JobFamilyDeal          JobFamily = "deal"
	JobFamilyRetrieval     JobFamily = "retrieval"
	JobFamilyRetention     JobFamily = "retention"
	JobFamilyMetricsRollup JobFamily = "metricsRollup"
)

// JobScheduleState is one reconciled schedule row for a (family, key) pair
type JobScheduleState struct {
	Name      string    `db:"name"`
	Key       string    `db:"key"`
	Cron      string    `db:"cron"`
	NextRunAt time.Time `db:"next_run_at"`
	Payload   []byte    `db:"payload"`
	UpdatedAt time.Time `db:"updated_at"`
}

// WorkItemState is the queue state of one WorkItem
type WorkItemState string

const (
	WorkItemQueued    WorkItemState = "QUEUED"
	WorkItemActive    WorkItemState = "ACTIVE"
	WorkItemCompleted WorkItemState = "COMPLETED"
	WorkItemFailed    WorkItemState = "FAILED"
	WorkItemRetry     WorkItemState = "RETRY"
	WorkItemCancelled WorkItemState = "CANCELLED"
)

// Terminal reports whether the work item state is an end state
func (s WorkItemState) Terminal() bool {
	return s == WorkItemCompleted || s == WorkItemFailed || s == WorkItemCancelled
}

// WorkItem is one unit of queued work. For any SingletonKey at most one
// row may be in a non-terminal state.
type WorkItem struct {
	ID           string        `db:"id"`
	Queue        string        `db:"queue"`
	Key          string        `db:"key"`
	SingletonKey string        `db:"singleton_key"`
	State        WorkItemState `db:"state"`
	AvailableAt  time.Time     `db:"available_at"`
	ExpiresAt    time.Time     `db:"expires_at"`
	Attempts     int           `db:"attempts"`
	MaxAttempts  int           `db:"max_attempts"`
	Payload      []byte        `db:"payload"`
	ErrorMessage string        `db:"error_message"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

// ProbeJob is the payload carried by probe work items. Address is empty
// for global families such as the metrics rollup.
type ProbeJob struct {
	Family  JobFamily `json:"family"`
	Address string    `json:"address,omitempty"`
	DealID  string    `json:"dealId,omitempty"`
}

// SingletonKey builds the (family, address) key guarding concurrent work
// for the same logical slot
func SingletonKey(family JobFamily, address string) string {
	return string(family) + ":" + address
}

// ValidationResult is the outcome of a retrieval payload validation
type ValidationResult struct {
	IsValid         bool
	Method          string
	Details         string
	VerifiedRootCID string
	BytesRead       int64
	TTFB            time.Duration
	Errors          []string
}
