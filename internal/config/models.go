package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/go-playground/validator.v9"
)

// TopLevel namespaces the config file
type TopLevel struct {
	Echo Echo `json:"echo" mapstructure:"echo"`
}

type Echo struct {
	Server App `json:"server" mapstructure:"server"`
}

type App struct {
	BindAddress     string               `json:"bind_address" mapstructure:"bind_address" validate:"required"`
	ShutdownTimeout time.Duration        `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Storage         Storage              `json:"storage" mapstructure:"storage"`
	Identity        Identity             `json:"identity" mapstructure:"identity"`
	Pipeline        Pipeline             `json:"pipeline" mapstructure:"pipeline"`
	Checkpoint      Checkpoint           `json:"checkpoint" mapstructure:"checkpoint"`
	Diagnostics     Diagnostics          `json:"diagnostics" mapstructure:"diagnostics"`
	Replication     Replication          `json:"replication" mapstructure:"replication"`
	Elasticsearch   *ElasticsearchClient `json:"elasticsearch,omitempty" mapstructure:"elasticsearch"`
	LifecycleSetup  LifecycleSetup       `json:"lifecycle_setup" mapstructure:"lifecycle_setup"`
	ApmClient       *ApmClient           `json:"apm,omitempty" mapstructure:"apm"`
	Auth            *Auth                `json:"auth,omitempty" mapstructure:"auth"`
	Logging         *Logging             `json:"logging,omitempty" mapstructure:"logging"`
}

type Logging struct {
	Json  *bool   `json:"json,omitempty" mapstructure:"json"`
	File  *string `json:"file,omitempty" mapstructure:"file"`
	Level *string `json:"level,omitempty" mapstructure:"level"`
}

// Storage is in memory unless a directory is given
type Storage struct {
	Directory *string `json:"directory,omitempty" mapstructure:"directory"`
}

type Identity struct {
	// KeyFile holds the local identity key pair, relative to the storage directory. It is
	// generated on first use; with in-memory storage a fresh identity is used every run.
	KeyFile string `json:"key_file" mapstructure:"key_file" validate:"required"`
}

type Pipeline struct {
	StallTimeout   time.Duration `json:"stall_timeout" mapstructure:"stall_timeout"`
	WaitTimeout    time.Duration `json:"wait_timeout" mapstructure:"wait_timeout"`
	ProcessTimeout time.Duration `json:"process_timeout" mapstructure:"process_timeout"`
	PoisonPolicy   string        `json:"poison_policy" mapstructure:"poison_policy" validate:"omitempty,oneof=skip halt"`
}

type CheckpointStore string

const (
	FileCheckpoints          CheckpointStore = "file"
	ElasticsearchCheckpoints CheckpointStore = "elasticsearch"
)

type Checkpoint struct {
	// Schedule is a cron expression; empty means checkpoints are only taken when spaces close
	Schedule string          `json:"schedule" mapstructure:"schedule"`
	Store    CheckpointStore `json:"store" mapstructure:"store" validate:"omitempty,oneof=file elasticsearch"`
}

type Diagnostics struct {
	// Archive, when set, also indexes integrity events into Elasticsearch
	Archive *DiagnosticsArchive `json:"archive,omitempty" mapstructure:"archive"`
}

type DiagnosticsArchive struct {
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
	BatchSize     uint          `json:"batch_size" mapstructure:"batch_size" validate:"min=1"`
}

type Replication struct {
	Peers            []Peer        `json:"peers" mapstructure:"peers" validate:"dive"`
	DialInterval     time.Duration `json:"dial_interval" mapstructure:"dial_interval"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

type Peer struct {
	// Address is the peer's replication websocket URL, e.g. ws://host:8080/replication
	Address string         `json:"address" mapstructure:"address" validate:"required,url"`
	User    *BasicAuthUser `json:"user,omitempty" mapstructure:"user"`
}

type ElasticsearchClient struct {
	Addresses []string       `json:"addresses" mapstructure:"addresses" validate:"min=1"`
	User      *BasicAuthUser `json:"user,omitempty" mapstructure:"user"`
}

type LifecycleSetup struct {
	IntegrityEvents LifecycleSettings `json:"integrity_events" mapstructure:"integrity_events"`
}

type LifecycleSettings struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	CustomPolicy *CustomPolicy `json:"custom_policy,omitempty" mapstructure:"custom_policy"`
}

type CustomPolicy struct {
	Name   string                 `json:"name" mapstructure:"name"`
	Policy map[string]interface{} `json:"policy" mapstructure:"policy"`
}

type ApmClient struct {
	Address     *string `json:"address,omitempty" mapstructure:"address"`
	SecretToken *string `json:"secret_token,omitempty" mapstructure:"secret_token"`
}

type Auth struct {
	BasicAuth []BasicAuthUser `json:"basic_auth" mapstructure:"basic_auth"`
}

type BasicAuthUser struct {
	Name     string `json:"name" mapstructure:"name"`
	Password string `json:"password" mapstructure:"password"`
}

// NeedsElasticsearch tells whether any component is configured to use Elasticsearch
func (a *App) NeedsElasticsearch() bool {
	return a.Checkpoint.Store == ElasticsearchCheckpoints || a.Diagnostics.Archive != nil
}

// Validate checks field constraints, and that Elasticsearch is configured when it is needed
func (a *App) Validate() error {
	if err := validator.New().Struct(a); err != nil {
		return err
	}
	if a.NeedsElasticsearch() && a.Elasticsearch == nil {
		return MissingElasticsearch{}
	}
	if a.Checkpoint.Schedule != "" {
		if _, err := cron.ParseStandard(a.Checkpoint.Schedule); err != nil {
			return InvalidSchedule{Expression: a.Checkpoint.Schedule, Reason: err.Error()}
		}
	}
	return nil
}

type MissingElasticsearch struct{}

func (e MissingElasticsearch) Error() string {
	return "Elasticsearch must be configured to archive integrity events or keep checkpoints in it"
}

type InvalidSchedule struct {
	Expression string
	Reason     string
}

func (e InvalidSchedule) Error() string {
	return fmt.Sprintf("Invalid checkpoint schedule [%s]: %s", e.Expression, e.Reason)
}
