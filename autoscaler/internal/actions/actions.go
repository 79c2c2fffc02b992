// Package actions drives commissioning on the clusters themselves: taking
// compute nodes out of service before they power off and back in after
// they power on.
package actions

import (
	"context"
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// ClusterInfo is what the remote side needs to address a cluster
type ClusterInfo struct {
	ClusterID      types.ClusterID
	MasterDNSName  string
	JobTrackerPort int
	ExtraInfo      map[string]string
}

// ClusterActions is the remote commissioning client. Every error it returns
// is a *Status.
type ClusterActions interface {
	// Decommission drains the named nodes so they can be powered off
	Decommission(ctx context.Context, dnsNames []string, info ClusterInfo) error
	// Recommission returns powered-on nodes to service
	Recommission(ctx context.Context, dnsNames []string, info ClusterInfo) error
	// CheckTargetSuccess returns the active nodes, failing with a
	// count-mismatch status if there are not exactly expected of them
	CheckTargetSuccess(ctx context.Context, expected int, info ClusterInfo) (sets.Set[string], error)
}

// RetryConfig bounds CheckTargetSuccess retries
type RetryConfig struct {
	Attempts int
	// Delay is the minimum time between attempts
	Delay time.Duration
}

// Retrying retries count mismatches from CheckTargetSuccess and translates
// every error into a Status
type Retrying struct {
	inner  ClusterActions
	config RetryConfig
	logger *zap.Logger
}

var _ ClusterActions = (*Retrying)(nil)

// NewRetrying wraps inner
func NewRetrying(inner ClusterActions, config RetryConfig, logger *zap.Logger) *Retrying {
	if config.Attempts <= 0 {
		config.Attempts = 10
	}
	if config.Delay <= 0 {
		config.Delay = time.Second
	}
	return &Retrying{inner: inner, config: config, logger: logger.Named("cluster-actions")}
}

func (r *Retrying) Decommission(ctx context.Context, dnsNames []string, info ClusterInfo) error {
	if len(dnsNames) == 0 {
		return nil
	}
	err := r.inner.Decommission(ctx, dnsNames, info)
	if status := AsStatus(err, info.MasterDNSName); status != nil {
		r.logger.Warn("Decommission failed",
			info.ClusterID.ZapField(),
			zap.Strings("nodes", dnsNames),
			zap.Stringer("code", status.Code),
			zap.String("message", status.Message))
		return status
	}
	return nil
}

func (r *Retrying) Recommission(ctx context.Context, dnsNames []string, info ClusterInfo) error {
	if len(dnsNames) == 0 {
		return nil
	}
	err := r.inner.Recommission(ctx, dnsNames, info)
	if status := AsStatus(err, info.MasterDNSName); status != nil {
		r.logger.Warn("Recommission failed",
			info.ClusterID.ZapField(),
			zap.Strings("nodes", dnsNames),
			zap.Stringer("code", status.Code),
			zap.String("message", status.Message))
		return status
	}
	return nil
}

// CheckTargetSuccess polls until the count matches or the attempts run out
func (r *Retrying) CheckTargetSuccess(ctx context.Context, expected int, info ClusterInfo) (sets.Set[string], error) {
	backoff := wait.Backoff{
		Duration: r.config.Delay,
		Factor:   1,
		Steps:    r.config.Attempts,
	}

	var active sets.Set[string]
	attempt := 0
	err := retry.OnError(backoff, IsRetryable, func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		active, err = r.inner.CheckTargetSuccess(ctx, expected, info)
		if err != nil && IsRetryable(err) {
			r.logger.Debug("Active node count does not match target yet",
				info.ClusterID.ZapField(),
				zap.Int("attempt", attempt),
				zap.Int("expected", expected))
		}
		return err
	})
	if status := AsStatus(err, info.MasterDNSName); status != nil {
		return active, status
	}
	return active, nil
}
