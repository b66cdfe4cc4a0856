package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datarun/lmis/internal/metrics"
	"github.com/datarun/lmis/internal/model"
	"github.com/datarun/lmis/internal/repository"
	"github.com/datarun/lmis/internal/util"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrContractNotFound = errors.New("contract not found")
	ErrNotFound         = errors.New("inbox record not found")
	// ErrNotRequeueable means the record exists but is not FAILED.
	ErrNotRequeueable = errors.New("only FAILED records can be requeued")
)

// Publisher emits the "record received" trigger. Optional.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

type IngestInput struct {
	Source          string
	ContractName    string
	ContractVersion int
	Payload         json.RawMessage
}

// Service is the write side of the inbox exposed over HTTP: ingest, inspect and requeue.
type Service struct {
	inbox     repository.InboxRepository
	contracts repository.ContractsRepository
	logs      repository.LogsReader
	pub       Publisher
	log       *zap.Logger
	now       func() time.Time
}

func New(
	inboxRepo repository.InboxRepository,
	contractsRepo repository.ContractsRepository,
	logsRepo repository.LogsReader,
	pub Publisher,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		inbox:     inboxRepo,
		contracts: contractsRepo,
		logs:      logsRepo,
		pub:       pub,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores a RECEIVED record for an existing contract and publishes a trigger.
// A failed publish is logged only; the relay ticker picks the record up anyway.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (*model.InboxRecord, error) {
	in.Source = strings.TrimSpace(in.Source)
	in.ContractName = strings.TrimSpace(in.ContractName)
	if in.Source == "" || in.ContractName == "" {
		return nil, fmt.Errorf("%w: source and contract_name are required", ErrInvalidInput)
	}
	if in.ContractVersion < 0 {
		return nil, fmt.Errorf("%w: contract_version must be >= 0", ErrInvalidInput)
	}
	if !isJSONObject(in.Payload) {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidInput)
	}

	if _, err := s.contracts.Get(ctx, in.ContractName, in.ContractVersion); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s v%d", ErrContractNotFound, in.ContractName, in.ContractVersion)
		}
		return nil, fmt.Errorf("load contract: %w", err)
	}

	now := s.now()
	rec := model.InboxRecord{
		ID:              util.NewAt(now),
		Source:          in.Source,
		ContractName:    in.ContractName,
		ContractVersion: in.ContractVersion,
		Payload:         types.JSONText(in.Payload),
		Status:          model.StatusReceived,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}
	if err := s.inbox.Insert(ctx, nil, rec); err != nil {
		return nil, fmt.Errorf("insert inbox: %w", err)
	}
	metrics.IngestedTotal.WithLabelValues(rec.ContractName).Inc()

	s.publish(ctx, rec)
	return &rec, nil
}

func (s *Service) publish(ctx context.Context, rec model.InboxRecord) {
	if s.pub == nil {
		return
	}
	ev, err := json.Marshal(model.InboxEvent{
		ID:           rec.ID,
		Source:       rec.Source,
		ContractName: rec.ContractName,
		ReceivedAt:   rec.ReceivedAt,
	})
	if err != nil {
		s.log.Warn("marshal inbox event", zap.String("inbox_id", rec.ID), zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, []byte(rec.ID), ev); err != nil {
		s.log.Warn("publish inbox event", zap.String("inbox_id", rec.ID), zap.Error(err))
	}
}

func (s *Service) Get(ctx context.Context, id string) (*model.InboxRecord, error) {
	rec, err := s.inbox.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Requeue moves a FAILED record back to RECEIVED; the next run makes a new attempt.
func (s *Service) Requeue(ctx context.Context, id string) (*model.InboxRecord, error) {
	ok, err := s.inbox.Requeue(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("requeue: %w", err)
	}
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotRequeueable
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, *rec)
	return rec, nil
}

// Logs returns the attempts of one record, newest first.
func (s *Service) Logs(ctx context.Context, id string) ([]model.LogEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.List(ctx, repository.LogFilter{InboxID: id, Limit: 1000})
}

// Counts reports how many records are in each status.
func (s *Service) Counts(ctx context.Context) (map[model.InboxStatus]int64, error) {
	return s.inbox.CountByStatus(ctx)
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var m map[string]any
	return json.Unmarshal(raw, &m) == nil
}
