package operations

import "stackyn/pipeline/internal/secrets"

// Argument structs carry json names, validation rules and CLI usage text.
// Secrets travel only as references and are resolved inside the handler.

// BuildArgs are the arguments of the build operation
type BuildArgs struct {
	Source     string   `json:"source" validate:"required" usage:"Path of the build context"`
	Dockerfile string   `json:"dockerfile" validate:"required" usage:"Dockerfile path relative to the source"`
	Target     string   `json:"target" usage:"Build stage to stop at"`
	BuildArgs  []string `json:"build_args" usage:"Build-time variables as KEY=VALUE"`
	Platform   string   `json:"platform" validate:"omitempty,platform" usage:"Target platform, e.g. linux/arm64"`
}

func (a *BuildArgs) Defaults() {
	a.Source = "."
	a.Dockerfile = "Dockerfile"
}

// SmokeArgs are the arguments of the smoke operation
type SmokeArgs struct {
	Source string `json:"source" validate:"required" usage:"Path of the build context"`
}

func (a *SmokeArgs) Defaults() {
	a.Source = "."
}

// LintArgs are the arguments of the lint operation
type LintArgs struct {
	Source       string   `json:"source" validate:"required" usage:"Path of the crate or workspace"`
	Args         []string `json:"args" usage:"Extra arguments passed to cargo clippy"`
	DenyWarnings bool     `json:"deny_warnings" usage:"Fail on any lint warning"`
}

func (a *LintArgs) Defaults() {
	a.Source = "."
	a.DenyWarnings = true
}

// PostgresArgs are the arguments of the postgres operation
type PostgresArgs struct {
	Image    string      `json:"image" usage:"Database image; empty uses the configured default"`
	Database string      `json:"database" validate:"required" usage:"Database name"`
	User     string      `json:"user" validate:"required" usage:"Database user"`
	Password secrets.Ref `json:"password" validate:"required,secretref" usage:"Password reference (env:NAME or file:PATH)"`
}

func (a *PostgresArgs) Defaults() {
	a.Database = "app"
	a.User = "app"
}

// DBSmokeArgs are the arguments of the db-smoke operation
type DBSmokeArgs struct {
	Source   string      `json:"source" validate:"required" usage:"Path of the crate or workspace"`
	Password secrets.Ref `json:"password" validate:"required,secretref" usage:"Password reference (env:NAME or file:PATH)"`
}

func (a *DBSmokeArgs) Defaults() {
	a.Source = "."
}

// PublishArgs are the arguments of the publish operation
type PublishArgs struct {
	Source    string      `json:"source" validate:"required" usage:"Path of the build context inside a git checkout"`
	Image     string      `json:"image" validate:"required" usage:"Image name within the namespace"`
	Namespace string      `json:"namespace" validate:"required" usage:"Registry namespace (user or organization)"`
	Username  string      `json:"username" validate:"required" usage:"Registry user"`
	Token     secrets.Ref `json:"token" validate:"required,secretref" usage:"Registry token reference (env:NAME or file:PATH)"`
}

func (a *PublishArgs) Defaults() {
	a.Source = "."
}
