package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

// File is the YAML seed document. It stands in for an admin UI: tenants,
// bots, sources, rules and destinations declared here are written to the
// store at startup.
type File struct {
	Bots    []BotFile    `yaml:"bots"`
	Metric  *MetricFile  `yaml:"metric"`
	Tenants []TenantFile `yaml:"tenants"`
}

type BotFile struct {
	Name   string `yaml:"name"`
	Token  string `yaml:"token"`
	Active *bool  `yaml:"active"`
}

type MetricFile struct {
	AzureTenantID  string `yaml:"azure_tenant_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	TokenURL       string `yaml:"token_url"`
	APIBaseURL     string `yaml:"api_base_url"`
	DefaultGroupID string `yaml:"default_group_id"`
	DatasetID      string `yaml:"dataset_id"`
	DefaultQuery   string `yaml:"default_query"`
}

type TenantFile struct {
	Slug         string            `yaml:"slug"`
	Name         string            `yaml:"name"`
	Schema       string            `yaml:"schema"`
	DefaultBot   string            `yaml:"default_bot"`
	Active       *bool             `yaml:"active"`
	Users        []UserFile        `yaml:"users"`
	Mailboxes    []MailboxFile     `yaml:"mailboxes"`
	Metric       *TenantMetricFile `yaml:"metric"`
	Rules        []RuleFile        `yaml:"rules"`
	Destinations []DestinationFile `yaml:"destinations"`
}

type UserFile struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type MailboxFile struct {
	Name            string        `yaml:"name"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	UseTLS          *bool         `yaml:"use_tls"`
	InboxFolder     string        `yaml:"inbox_folder"`
	ProcessedFolder string        `yaml:"processed_folder"`
	MaxPerCheck     int           `yaml:"max_per_check"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	Active          *bool         `yaml:"active"`
}

type TenantMetricFile struct {
	DefaultTemplate      string                 `yaml:"default_template"`
	DefaultExampleOutput string                 `yaml:"default_example_output"`
	Definitions          []MetricDefinitionFile `yaml:"definitions"`
}

type MetricDefinitionFile struct {
	Name            string        `yaml:"name"`
	GroupID         string        `yaml:"group_id"`
	DatasetID       string        `yaml:"dataset_id"`
	Query           string        `yaml:"query"`
	Template        string        `yaml:"template"`
	ExampleOutput   string        `yaml:"example_output"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	DefaultPriority string        `yaml:"default_priority"`
	Active          *bool         `yaml:"active"`
}

// RuleFile scopes a rule to a source by kind and, optionally, source name.
type RuleFile struct {
	Name       string `yaml:"name"`
	Source     string `yaml:"source"`
	SourceName string `yaml:"source_name"`
	Order      int    `yaml:"order"`
	Kind       string `yaml:"kind"`
	Field      string `yaml:"field"`
	Pattern    string `yaml:"pattern"`
	Priority   string `yaml:"priority"`
	Category   string `yaml:"category"`
	Active     *bool  `yaml:"active"`
}

type DestinationFile struct {
	ChatID        int64  `yaml:"chat_id"`
	Kind          string `yaml:"kind"`
	Title         string `yaml:"title"`
	Bot           string `yaml:"bot"`
	ContentAlerts *bool  `yaml:"content_alerts"`
	SystemAlerts  bool   `yaml:"system_alerts"`
	MinPriority   string `yaml:"min_priority"`
}

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) Validate() error {
	bots := make(map[string]bool, len(f.Bots))
	for _, b := range f.Bots {
		if b.Name == "" || b.Token == "" {
			return errors.New("bot needs name and token")
		}
		bots[b.Name] = true
	}
	for _, t := range f.Tenants {
		if t.Slug == "" {
			return errors.New("tenant needs a slug")
		}
		if t.DefaultBot != "" && !bots[t.DefaultBot] {
			return fmt.Errorf("tenant %s: unknown bot %q", t.Slug, t.DefaultBot)
		}
		for _, r := range t.Rules {
			if _, err := models.ParsePriority(r.Priority); err != nil {
				return fmt.Errorf("tenant %s rule %s: %w", t.Slug, r.Name, err)
			}
			if _, err := models.ParseCategory(r.Category); err != nil {
				return fmt.Errorf("tenant %s rule %s: %w", t.Slug, r.Name, err)
			}
			switch models.SourceKind(r.Source) {
			case models.SourceMailbox, models.SourceMetric:
			default:
				return fmt.Errorf("tenant %s rule %s: unknown source %q", t.Slug, r.Name, r.Source)
			}
		}
		for _, d := range t.Destinations {
			if d.Bot != "" && !bots[d.Bot] {
				return fmt.Errorf("tenant %s destination %d: unknown bot %q", t.Slug, d.ChatID, d.Bot)
			}
		}
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Seed writes the file's declarations into the store. It is idempotent:
// records are upserted by name, and destinations already bound are left
// untouched.
func Seed(ctx context.Context, st store.Store, f *File, logger *zap.Logger) error {
	botIDs := make(map[string]int64, len(f.Bots))
	for _, b := range f.Bots {
		saved, err := st.UpsertBot(ctx, models.Bot{Name: b.Name, Token: b.Token, Active: boolOr(b.Active, true)})
		if err != nil {
			return err
		}
		botIDs[b.Name] = saved.ID
	}

	if f.Metric != nil {
		m := f.Metric
		err := st.UpsertMetricGlobal(ctx, models.MetricGlobalConfig{
			AzureTenantID:  m.AzureTenantID,
			ClientID:       m.ClientID,
			ClientSecret:   m.ClientSecret,
			TokenURL:       m.TokenURL,
			APIBaseURL:     m.APIBaseURL,
			DefaultGroupID: m.DefaultGroupID,
			DatasetID:      m.DatasetID,
			DefaultQuery:   m.DefaultQuery,
		})
		if err != nil {
			return err
		}
	}

	for _, tf := range f.Tenants {
		if err := seedTenant(ctx, st, tf, botIDs, logger); err != nil {
			return fmt.Errorf("seed tenant %s: %w", tf.Slug, err)
		}
	}
	return nil
}

func seedTenant(ctx context.Context, st store.Store, tf TenantFile, botIDs map[string]int64, logger *zap.Logger) error {
	name := tf.Name
	if name == "" {
		name = tf.Slug
	}
	tenant, err := st.UpsertTenant(ctx, models.Tenant{
		Slug:         tf.Slug,
		Name:         name,
		Schema:       tf.Schema,
		DefaultBotID: botIDs[tf.DefaultBot],
		Active:       boolOr(tf.Active, true),
	})
	if err != nil {
		return err
	}
	tc := tenant.Context()

	for _, u := range tf.Users {
		if _, err := st.UpsertUser(ctx, tc, models.User{Name: u.Name, Email: u.Email, Active: true}); err != nil {
			return err
		}
	}

	mailboxIDs := make(map[string]int64, len(tf.Mailboxes))
	for _, m := range tf.Mailboxes {
		saved, err := st.UpsertMailbox(ctx, tc, models.MailboxConfig{
			TenantID:        tenant.ID,
			Name:            m.Name,
			Host:            m.Host,
			Port:            m.Port,
			Username:        m.Username,
			Password:        m.Password,
			UseTLS:          boolOr(m.UseTLS, true),
			InboxFolder:     m.InboxFolder,
			ProcessedFolder: m.ProcessedFolder,
			MaxPerCheck:     m.MaxPerCheck,
			CheckInterval:   m.CheckInterval,
			Active:          boolOr(m.Active, true),
		})
		if err != nil {
			return err
		}
		mailboxIDs[m.Name] = saved.ID
	}

	definitionIDs := make(map[string]int64)
	if tf.Metric != nil {
		err := st.UpsertMetricTenant(ctx, tc, models.MetricTenantConfig{
			TenantID:             tenant.ID,
			DefaultTemplate:      tf.Metric.DefaultTemplate,
			DefaultExampleOutput: tf.Metric.DefaultExampleOutput,
		})
		if err != nil {
			return err
		}
		for _, d := range tf.Metric.Definitions {
			var priority models.Priority
			if d.DefaultPriority != "" {
				if priority, err = models.ParsePriority(d.DefaultPriority); err != nil {
					return fmt.Errorf("definition %s: %w", d.Name, err)
				}
			}
			saved, err := st.UpsertMetricDefinition(ctx, tc, models.MetricDefinition{
				TenantID:        tenant.ID,
				Name:            d.Name,
				GroupID:         d.GroupID,
				DatasetID:       d.DatasetID,
				Query:           d.Query,
				Template:        d.Template,
				ExampleOutput:   d.ExampleOutput,
				CheckInterval:   d.CheckInterval,
				DefaultPriority: priority,
				Active:          boolOr(d.Active, true),
			})
			if err != nil {
				return err
			}
			definitionIDs[d.Name] = saved.ID
		}
	}

	for _, r := range tf.Rules {
		kind := models.SourceKind(r.Source)
		var sourceID int64
		if r.SourceName != "" {
			ids := mailboxIDs
			if kind == models.SourceMetric {
				ids = definitionIDs
			}
			id, ok := ids[r.SourceName]
			if !ok {
				return fmt.Errorf("rule %s: unknown %s %q", r.Name, kind, r.SourceName)
			}
			sourceID = id
		}
		priority, _ := models.ParsePriority(r.Priority)
		category, _ := models.ParseCategory(r.Category)
		_, err := st.UpsertRule(ctx, tc, models.Rule{
			TenantID:   tenant.ID,
			SourceKind: kind,
			SourceID:   sourceID,
			Name:       r.Name,
			Order:      r.Order,
			Kind:       models.RuleKind(r.Kind),
			Field:      r.Field,
			Pattern:    r.Pattern,
			Priority:   priority,
			Category:   category,
			Active:     boolOr(r.Active, true),
		})
		if err != nil {
			return err
		}
	}

	for _, d := range tf.Destinations {
		var minPriority models.Priority
		if d.MinPriority != "" && d.MinPriority != "all" {
			if minPriority, err = models.ParsePriority(d.MinPriority); err != nil {
				return fmt.Errorf("destination %d: %w", d.ChatID, err)
			}
		}
		kind := models.ChatKind(d.Kind)
		if kind == "" {
			kind = models.ChatGroup
		}
		_, err := st.CreateDestination(ctx, models.Destination{
			TenantID:      tenant.ID,
			BotID:         botIDs[d.Bot],
			ChatID:        d.ChatID,
			Kind:          kind,
			Title:         d.Title,
			Active:        true,
			ContentAlerts: boolOr(d.ContentAlerts, true),
			SystemAlerts:  d.SystemAlerts,
			MinPriority:   minPriority,
		})
		if errors.Is(err, store.ErrDuplicate) {
			logger.Debug("destination already bound", zap.Int64("chat_id", d.ChatID))
			continue
		}
		if err != nil {
			return err
		}
	}

	logger.Info("tenant seeded",
		zap.String("tenant", tenant.Slug),
		zap.Int("mailboxes", len(tf.Mailboxes)),
		zap.Int("metric_definitions", len(definitionIDs)),
		zap.Int("rules", len(tf.Rules)),
		zap.Int("destinations", len(tf.Destinations)),
	)
	return nil
}
