// Copyright 2025 The a2a-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package servicebus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"github.com/a2abus/a2a-proxy/pkg/config"
)

// TopicSettings are the reconciled topic properties.
type TopicSettings struct {
	MaxSizeMB                int32
	MessageTTL               time.Duration
	DuplicateDetectionWindow time.Duration
	EnablePartitioning       bool
}

// TopicInfo is one existing topic with its settings.
type TopicInfo struct {
	Name     string
	Settings TopicSettings
}

// SubscriptionSettings are the durable subscription properties.
type SubscriptionSettings struct {
	LockDuration            time.Duration
	MessageTTL              time.Duration
	MaxDeliveryCount        int32
	DeadLetterOnExpiry      bool
	DeadLetterOnFilterError bool
}

// DefaultSubscriptionSettings are the properties applied to every proxy
// subscription.
func DefaultSubscriptionSettings() SubscriptionSettings {
	return SubscriptionSettings{
		LockDuration:            time.Minute,
		MessageTTL:              time.Hour,
		MaxDeliveryCount:        10,
		DeadLetterOnExpiry:      true,
		DeadLetterOnFilterError: true,
	}
}

// AdminClient is the management-plane surface used for topic and
// subscription lifecycle.
type AdminClient interface {
	// GetTopic returns nil without error when the topic does not exist.
	GetTopic(ctx context.Context, name string) (*TopicInfo, error)
	CreateTopic(ctx context.Context, name string, settings TopicSettings) error
	UpdateTopic(ctx context.Context, name string, settings TopicSettings) error
	// DeleteTopic treats a missing topic as already deleted.
	DeleteTopic(ctx context.Context, name string) error
	ListTopics(ctx context.Context) ([]string, error)

	SubscriptionExists(ctx context.Context, topic, name string) (bool, error)
	CreateSubscription(ctx context.Context, topic, name string, settings SubscriptionSettings) error
	DeleteSubscription(ctx context.Context, topic, name string) error
	ListSubscriptions(ctx context.Context, topic string) ([]string, error)

	// ReplaceRule drops the $Default rule and installs a SQL filter rule
	// under the given name. Idempotent.
	ReplaceRule(ctx context.Context, topic, subscription, ruleName, sqlExpression string) error
}

// ============================================================================
// AZURE ADMIN ADAPTER
// ============================================================================

type azAdmin struct {
	inner *admin.Client
}

// NewAdminClient connects the management plane the same way the data-plane
// client does: connection string first, managed identity otherwise.
func NewAdminClient(cfg config.ServiceBusConfig) (AdminClient, error) {
	var inner *admin.Client
	var err error
	if cfg.ConnectionString != "" {
		inner, err = admin.NewClientFromConnectionString(cfg.ConnectionString, nil)
	} else {
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			inner, err = admin.NewClient(cfg.FullyQualifiedNamespace(), cred, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus admin client: %w", err)
	}
	return &azAdmin{inner: inner}, nil
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// isConflict reports an AlreadyExists management response.
func isConflict(err error) bool {
	return isStatus(err, http.StatusConflict)
}

func (a *azAdmin) GetTopic(ctx context.Context, name string) (*TopicInfo, error) {
	resp, err := a.inner.GetTopic(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}

	info := &TopicInfo{Name: name}
	if resp.MaxSizeInMegabytes != nil {
		info.Settings.MaxSizeMB = *resp.MaxSizeInMegabytes
	}
	if resp.DefaultMessageTimeToLive != nil {
		info.Settings.MessageTTL = parseISODuration(*resp.DefaultMessageTimeToLive)
	}
	if resp.DuplicateDetectionHistoryTimeWindow != nil {
		info.Settings.DuplicateDetectionWindow = parseISODuration(*resp.DuplicateDetectionHistoryTimeWindow)
	}
	if resp.EnablePartitioning != nil {
		info.Settings.EnablePartitioning = *resp.EnablePartitioning
	}
	return info, nil
}

// topicProperties maps settings to the management schema. Duplicate
// detection is always on, which also forces express entities off.
func topicProperties(settings TopicSettings) *admin.TopicProperties {
	return &admin.TopicProperties{
		MaxSizeInMegabytes:                  to.Ptr(settings.MaxSizeMB),
		DefaultMessageTimeToLive:            to.Ptr(formatISODuration(settings.MessageTTL)),
		DuplicateDetectionHistoryTimeWindow: to.Ptr(formatISODuration(settings.DuplicateDetectionWindow)),
		RequiresDuplicateDetection:          to.Ptr(true),
		SupportOrdering:                     to.Ptr(true),
		EnablePartitioning:                  to.Ptr(settings.EnablePartitioning),
	}
}

func (a *azAdmin) CreateTopic(ctx context.Context, name string, settings TopicSettings) error {
	_, err := a.inner.CreateTopic(ctx, name, &admin.CreateTopicOptions{
		Properties: topicProperties(settings),
	})
	return err
}

func (a *azAdmin) UpdateTopic(ctx context.Context, name string, settings TopicSettings) error {
	_, err := a.inner.UpdateTopic(ctx, name, *topicProperties(settings), nil)
	return err
}

func (a *azAdmin) DeleteTopic(ctx context.Context, name string) error {
	_, err := a.inner.DeleteTopic(ctx, name, nil)
	if err != nil && isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (a *azAdmin) ListTopics(ctx context.Context) ([]string, error) {
	var names []string
	pager := a.inner.NewListTopicsPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Topics {
			names = append(names, item.TopicName)
		}
	}
	return names, nil
}

func (a *azAdmin) SubscriptionExists(ctx context.Context, topic, name string) (bool, error) {
	resp, err := a.inner.GetSubscription(ctx, topic, name, nil)
	if err != nil {
		return false, err
	}
	return resp != nil, nil
}

func (a *azAdmin) CreateSubscription(ctx context.Context, topic, name string, settings SubscriptionSettings) error {
	_, err := a.inner.CreateSubscription(ctx, topic, name, &admin.CreateSubscriptionOptions{
		Properties: &admin.SubscriptionProperties{
			LockDuration:                     to.Ptr(formatISODuration(settings.LockDuration)),
			DefaultMessageTimeToLive:         to.Ptr(formatISODuration(settings.MessageTTL)),
			MaxDeliveryCount:                 to.Ptr(settings.MaxDeliveryCount),
			DeadLetteringOnMessageExpiration: to.Ptr(settings.DeadLetterOnExpiry),
			EnableDeadLetteringOnFilterEvaluationExceptions: to.Ptr(settings.DeadLetterOnFilterError),
		},
	})
	if err != nil && isConflict(err) {
		return nil
	}
	return err
}

func (a *azAdmin) DeleteSubscription(ctx context.Context, topic, name string) error {
	_, err := a.inner.DeleteSubscription(ctx, topic, name, nil)
	if err != nil && isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (a *azAdmin) ListSubscriptions(ctx context.Context, topic string) ([]string, error) {
	var names []string
	pager := a.inner.NewListSubscriptionsPager(topic, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Subscriptions {
			names = append(names, item.SubscriptionName)
		}
	}
	return names, nil
}

func (a *azAdmin) ReplaceRule(ctx context.Context, topic, subscription, ruleName, sqlExpression string) error {
	if _, err := a.inner.DeleteRule(ctx, topic, subscription, "$Default", nil); err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	if _, err := a.inner.DeleteRule(ctx, topic, subscription, ruleName, nil); err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	_, err := a.inner.CreateRule(ctx, topic, subscription, &admin.CreateRuleOptions{
		Name:   to.Ptr(ruleName),
		Filter: &admin.SQLFilter{Expression: sqlExpression},
	})
	return err
}

// ============================================================================
// ISO-8601 DURATIONS
// The management plane speaks PnDTnHnMnS strings.
// ============================================================================

func formatISODuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("PT")
	d = d.Round(time.Second)
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 || b.Len() == 2 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}

// parseISODuration handles the PnDTnHnMnS subset the broker emits. Malformed
// input parses as zero.
func parseISODuration(s string) time.Duration {
	s = strings.TrimPrefix(strings.ToUpper(s), "P")
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		default:
			v, err := strconv.ParseFloat(num, 64)
			num = ""
			if err != nil {
				return 0
			}
			switch {
			case r == 'D':
				total += time.Duration(v * 24 * float64(time.Hour))
			case r == 'H':
				total += time.Duration(v * float64(time.Hour))
			case r == 'M' && inTime:
				total += time.Duration(v * float64(time.Minute))
			case r == 'S':
				total += time.Duration(v * float64(time.Second))
			}
		}
	}
	return total
}
