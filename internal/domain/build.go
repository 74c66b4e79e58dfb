package domain

import (
	"fmt"
	"strings"

	pipelineerrors "stackyn/pipeline/internal/errors"
)

// DefaultDockerfile is used when a build request names no Dockerfile
const DefaultDockerfile = "Dockerfile"

// Source is a handle to a source tree on the invoking host
type Source struct {
	Path string `json:"path"`
}

// BuildArg is one KEY=VALUE build argument
type BuildArg struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// String renders the argument back to KEY=VALUE
func (a BuildArg) String() string {
	return a.Name + "=" + a.Value
}

// BuildRequest describes a Dockerfile build
type BuildRequest struct {
	Source     Source
	Dockerfile string     // Path relative to Source; defaults to DefaultDockerfile
	Target     string     // Optional multi-stage target
	BuildArgs  []BuildArg // Ordered as supplied
	Platform   string     // e.g. "linux/amd64"; empty means backend host default
}

// NewBuildRequest validates the optional inputs and applies defaults
func NewBuildRequest(src Source, dockerfile, target string, buildArgs []string, platform string) (BuildRequest, error) {
	args, err := ParseBuildArgs(buildArgs)
	if err != nil {
		return BuildRequest{}, err
	}
	if dockerfile == "" {
		dockerfile = DefaultDockerfile
	}
	return BuildRequest{
		Source:     src,
		Dockerfile: dockerfile,
		Target:     target,
		BuildArgs:  args,
		Platform:   platform,
	}, nil
}

// ParseBuildArg splits s at the first '='. The key must be non-empty; the
// value may be empty and may itself contain '='.
func ParseBuildArg(s string) (BuildArg, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return BuildArg{}, pipelineerrors.New(pipelineerrors.ErrorCodeMalformedArgument,
			fmt.Sprintf("build arg %q is not in KEY=VALUE form", s))
	}
	if name == "" {
		return BuildArg{}, pipelineerrors.New(pipelineerrors.ErrorCodeMalformedArgument,
			fmt.Sprintf("build arg %q has an empty key", s))
	}
	return BuildArg{Name: name, Value: value}, nil
}

// ParseBuildArgs parses every entry, preserving order
func ParseBuildArgs(raw []string) ([]BuildArg, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	args := make([]BuildArg, 0, len(raw))
	for _, s := range raw {
		arg, err := ParseBuildArg(s)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}
