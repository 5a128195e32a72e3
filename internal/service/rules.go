package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// ListRules returns the loaded alert rules.
func (s *Service) ListRules() ([]*domain.AlertRule, error) {
	if s.rules == nil {
		return nil, ErrNoRuleEngine
	}
	return s.rules.Rules(), nil
}

// GetRule returns a rule by id. Stored rules are found even when disabled.
func (s *Service) GetRule(ctx context.Context, id string) (*domain.AlertRule, error) {
	if s.repo != nil {
		rule, err := s.repo.GetAlertRule(ctx, s.datasetID, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		return rule, err
	}
	if s.rules == nil {
		return nil, ErrNoRuleEngine
	}
	for _, r := range s.rules.Rules() {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// SaveRule validates rule, stores it when a repository is configured and
// loads it into the engine.
func (s *Service) SaveRule(ctx context.Context, rule *domain.AlertRule) error {
	if s.rules == nil {
		return ErrNoRuleEngine
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Severity == "" {
		rule.Severity = domain.SeverityMedium
	}
	rule.DatasetID = s.datasetID

	if err := s.rules.ValidateRule(rule); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidInput, err)
	}
	if s.repo != nil {
		if err := s.repo.SaveAlertRule(ctx, s.datasetID, rule); err != nil {
			return err
		}
	}
	if err := s.rules.LoadRule(rule); err != nil {
		return err
	}

	s.logger.Info("alert rule saved", "rule_id", rule.ID, "enabled", rule.Enabled)
	return nil
}

// DeleteRule disables a rule and unloads it.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	if s.rules == nil {
		return ErrNoRuleEngine
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.DeleteAlertRule(ctx, s.datasetID, id); err != nil {
			return err
		}
	}

	disabled := *rule
	disabled.Enabled = false
	return s.rules.LoadRule(&disabled)
}

// ReloadRules replaces the engine's rules with the enabled stored ones.
func (s *Service) ReloadRules(ctx context.Context) (int, error) {
	if s.rules == nil {
		return 0, ErrNoRuleEngine
	}
	if s.repo == nil {
		return 0, ErrNoRepository
	}
	stored, err := s.repo.ListAlertRules(ctx, s.datasetID)
	if err != nil {
		return 0, err
	}
	if err := s.rules.ReloadRules(stored); err != nil {
		return 0, err
	}

	s.logger.Info("alert rules reloaded", "dataset_id", s.datasetID, "count", s.rules.RulesCount())
	return s.rules.RulesCount(), nil
}

// Alerts lists stored alerts of bucket t, or of every bucket when t is
// repository.AllBuckets.
func (s *Service) Alerts(ctx context.Context, bucket int) ([]*domain.Alert, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	if bucket != repository.AllBuckets {
		s.mu.RLock()
		err := s.store.CheckBucket(bucket)
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
	}
	return s.repo.ListAlerts(ctx, s.datasetID, bucket)
}

// EntityHistory returns every persisted risk record of id.
func (s *Service) EntityHistory(ctx context.Context, id string) ([]*domain.StoredRisk, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	s.mu.RLock()
	_, ok := s.store.Entity(id)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	return s.repo.GetEntityRiskHistory(ctx, s.datasetID, id)
}

// BucketAudit returns the latest persisted risk records of bucket t.
func (s *Service) BucketAudit(ctx context.Context, bucket int) ([]*domain.StoredRisk, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	s.mu.RLock()
	err := s.store.CheckBucket(bucket)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.repo.GetBucketRisk(ctx, s.datasetID, bucket)
}
