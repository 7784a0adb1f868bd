package driftdb

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReplicationProfile is the declarative YAML form of a set of replication
// channels. It lets deployments describe their sync topology in a config
// file instead of wiring options in code:
//
//	version: "1"
//	replications:
//	  - identifier: orders-cloud
//	    collection: orders
//	    live: true
//	    live_interval: 10s
//	    retry_time: 5s
//	    wait_for_leadership: true
//	    pull: true
//	    push: true
//	    remote:
//	      type: http
//	      endpoint: https://sync.example.com/orders
//	      batch_size: 100
//	      auth:
//	        type: bearer
//	        token: ${TOKEN}
type ReplicationProfile struct {
	Version      string                    `yaml:"version"`
	Replications []ReplicationProfileEntry `yaml:"replications"`
}

// ReplicationProfileEntry describes one replication channel. Durations use
// Go duration syntax ("10s", "1m30s").
type ReplicationProfileEntry struct {
	Identifier        string        `yaml:"identifier"`
	Collection        string        `yaml:"collection"`
	Live              bool          `yaml:"live"`
	LiveInterval      string        `yaml:"live_interval"`
	RetryTime         string        `yaml:"retry_time"`
	WaitForLeadership bool          `yaml:"wait_for_leadership"`
	Pull              bool          `yaml:"pull"`
	Push              bool          `yaml:"push"`
	Remote            RemoteProfile `yaml:"remote"`
}

func parseProfileDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}

// RemoteProfile describes the remote endpoint of a replication channel.
type RemoteProfile struct {
	// Type selects the remote kind: "http" or "s3".
	Type      string       `yaml:"type"`
	BatchSize int          `yaml:"batch_size"`
	Auth      *AuthProfile `yaml:"auth"`

	// HTTP remotes. Endpoint is also passed to S3 remotes, where it
	// optionally points at an S3-compatible service.
	Endpoint    string `yaml:"endpoint"`
	Compression *bool  `yaml:"compression"`

	// S3 remotes.
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// AuthProfile describes remote endpoint credentials.
type AuthProfile struct {
	Type     string `yaml:"type"`
	APIKey   string `yaml:"api_key"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadReplicationProfile reads and parses a profile file.
func LoadReplicationProfile(path string) (*ReplicationProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replication profile: %w", err)
	}
	return ParseReplicationProfile(data)
}

// ParseReplicationProfile parses a profile from YAML bytes.
func ParseReplicationProfile(data []byte) (*ReplicationProfile, error) {
	var profile ReplicationProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse replication profile: %w", err)
	}
	if err := profile.validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (p *ReplicationProfile) validate() error {
	for i := range p.Replications {
		entry := &p.Replications[i]
		if entry.Identifier == "" {
			return fmt.Errorf("replication %d: identifier is required", i)
		}
		if entry.Collection == "" {
			return fmt.Errorf("replication %s: collection is required", entry.Identifier)
		}
		if !entry.Pull && !entry.Push {
			return fmt.Errorf("replication %s: at least one of pull or push must be enabled", entry.Identifier)
		}
		if _, err := parseProfileDuration("live_interval", entry.LiveInterval); err != nil {
			return fmt.Errorf("replication %s: %w", entry.Identifier, err)
		}
		if _, err := parseProfileDuration("retry_time", entry.RetryTime); err != nil {
			return fmt.Errorf("replication %s: %w", entry.Identifier, err)
		}
		switch entry.Remote.Type {
		case "http":
			if entry.Remote.Endpoint == "" {
				return fmt.Errorf("replication %s: http remote needs an endpoint", entry.Identifier)
			}
		case "s3":
			if entry.Remote.Bucket == "" {
				return fmt.Errorf("replication %s: s3 remote needs a bucket", entry.Identifier)
			}
		default:
			return fmt.Errorf("replication %s: unknown remote type %q", entry.Identifier, entry.Remote.Type)
		}
	}
	return nil
}

// toRemoteAuth resolves credentials, expanding ${VAR} references from the
// environment so profiles can stay free of secrets.
func (a *AuthProfile) toRemoteAuth() *RemoteAuth {
	if a == nil {
		return nil
	}
	return &RemoteAuth{
		Type:        a.Type,
		APIKey:      os.ExpandEnv(a.APIKey),
		BearerToken: os.ExpandEnv(a.Token),
		Username:    os.ExpandEnv(a.Username),
		Password:    os.ExpandEnv(a.Password),
	}
}

// Apply starts every replication of the profile against the database's
// collections and returns their states. Already-started states are canceled
// when a later entry fails to start.
func (p *ReplicationProfile) Apply(ctx context.Context, db *Database) ([]*ReplicationState, error) {
	states := make([]*ReplicationState, 0, len(p.Replications))
	for i := range p.Replications {
		entry := &p.Replications[i]
		state, err := entry.start(ctx, db)
		if err != nil {
			for _, started := range states {
				started.Cancel()
			}
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (e *ReplicationProfileEntry) start(ctx context.Context, db *Database) (*ReplicationState, error) {
	collection := db.Collection(e.Collection)
	if collection == nil {
		return nil, fmt.Errorf("replication %s: unknown collection %q", e.Identifier, e.Collection)
	}

	var (
		pullOptions *PullOptions
		pushOptions *PushOptions
	)
	switch e.Remote.Type {
	case "http":
		cfg := DefaultHTTPRemoteConfig(e.Remote.Endpoint)
		if e.Remote.BatchSize > 0 {
			cfg.BatchSize = e.Remote.BatchSize
		}
		if e.Remote.Compression != nil {
			cfg.Compression = *e.Remote.Compression
		}
		cfg.Auth = e.Remote.Auth.toRemoteAuth()
		remote := NewHTTPRemote(cfg)
		if e.Pull {
			pullOptions = remote.PullOptions()
		}
		if e.Push {
			pushOptions = remote.PushOptions()
		}
	case "s3":
		cfg := DefaultS3RemoteConfig(e.Remote.Bucket, e.Remote.Prefix)
		cfg.Region = e.Remote.Region
		cfg.AccessKeyID = os.ExpandEnv(e.Remote.AccessKeyID)
		cfg.SecretAccessKey = os.ExpandEnv(e.Remote.SecretAccessKey)
		cfg.Endpoint = e.Remote.Endpoint
		cfg.UsePathStyle = e.Remote.UsePathStyle
		if e.Remote.BatchSize > 0 {
			cfg.BatchSize = e.Remote.BatchSize
		}
		remote, err := NewS3Remote(ctx, collection.Schema().PrimaryKey, cfg)
		if err != nil {
			return nil, err
		}
		if e.Pull {
			pullOptions = remote.PullOptions()
		}
		if e.Push {
			pushOptions = remote.PushOptions()
		}
	}

	liveInterval, err := parseProfileDuration("live_interval", e.LiveInterval)
	if err != nil {
		return nil, fmt.Errorf("replication %s: %w", e.Identifier, err)
	}
	retryTime, err := parseProfileDuration("retry_time", e.RetryTime)
	if err != nil {
		return nil, fmt.Errorf("replication %s: %w", e.Identifier, err)
	}

	return ReplicateCollection(ReplicationOptions{
		ReplicationIdentifier: e.Identifier,
		Collection:            collection,
		Pull:                  pullOptions,
		Push:                  pushOptions,
		Live:                  e.Live,
		LiveInterval:          liveInterval,
		RetryTime:             retryTime,
		WaitForLeadership:     e.WaitForLeadership,
	})
}
