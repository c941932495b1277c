package executor

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

// Container roles.
const (
	RoleInit    = "init"
	RoleMain    = "main"
	RoleSidecar = "sidecar"
)

// MainContainer is the name given to a main container that has none.
const MainContainer = "plxjob"

// EnvVar is one environment entry of a container.
type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// ContainerSpec is a container of a compiled operation.
type ContainerSpec struct {
	Name       string   `yaml:"name"`
	Image      string   `yaml:"image"`
	Command    []string `yaml:"command"`
	Args       []string `yaml:"args"`
	Env        []EnvVar `yaml:"env"`
	WorkingDir string   `yaml:"workingDir"`

	Role string `yaml:"-"`
}

// Argv returns command followed by args.
func (c ContainerSpec) Argv() []string {
	argv := make([]string, 0, len(c.Command)+len(c.Args))
	argv = append(argv, c.Command...)
	return append(argv, c.Args...)
}

// Environ renders Env as KEY=VALUE pairs.
func (c ContainerSpec) Environ() []string {
	out := make([]string, 0, len(c.Env))
	for _, e := range c.Env {
		out = append(out, e.Name+"="+e.Value)
	}
	return out
}

// Environment holds the scheduling hints of a compiled operation.
type Environment struct {
	Labels             map[string]string `yaml:"labels"`
	Annotations        map[string]string `yaml:"annotations"`
	NodeSelector       map[string]string `yaml:"nodeSelector"`
	ServiceAccountName string            `yaml:"serviceAccountName"`
	RestartPolicy      string            `yaml:"restartPolicy"`
}

// Operation is the executable part of a run's compiled content.
type Operation struct {
	Kind        string
	Init        []ContainerSpec
	Main        ContainerSpec
	Sidecars    []ContainerSpec
	Environment Environment
	Ports       []int
}

// Containers returns every container, init first, then main, then sidecars.
func (o *Operation) Containers() []ContainerSpec {
	all := make([]ContainerSpec, 0, len(o.Init)+1+len(o.Sidecars))
	all = append(all, o.Init...)
	all = append(all, o.Main)
	return append(all, o.Sidecars...)
}

type compiledOperation struct {
	Kind string `yaml:"kind"`
	Run  struct {
		Kind      string          `yaml:"kind"`
		Container *ContainerSpec  `yaml:"container"`
		Init      []initContainer `yaml:"init"`
		Sidecars  []ContainerSpec `yaml:"sidecars"`
		Ports     []int           `yaml:"ports"`

		Environment Environment `yaml:"environment"`
	} `yaml:"run"`
}

// initContainer is one entry of run.init. Only entries carrying an explicit
// container are executed locally; connection-based init steps are resolved
// by the agent and skipped.
type initContainer struct {
	Container *ContainerSpec `yaml:"container"`
}

// ParseOperation decodes the compiled content of a run. JSON content is
// accepted as well since it is valid YAML.
func ParseOperation(content string) (*Operation, error) {
	if strings.TrimSpace(content) == "" {
		return nil, plxerrors.InvalidInput("run has no compiled content")
	}

	var compiled compiledOperation
	if err := yaml.Unmarshal([]byte(content), &compiled); err != nil {
		return nil, plxerrors.Wrap(plxerrors.CodeInputInvalid, "parsing compiled content", err)
	}
	if compiled.Run.Container == nil {
		return nil, plxerrors.InvalidInput("compiled content has no run.container")
	}

	op := &Operation{
		Kind:        compiled.Run.Kind,
		Main:        *compiled.Run.Container,
		Environment: compiled.Run.Environment,
		Ports:       compiled.Run.Ports,
	}
	op.Main.Role = RoleMain
	if op.Main.Name == "" {
		op.Main.Name = MainContainer
	}

	seen := map[string]bool{op.Main.Name: true}
	for i, ic := range compiled.Run.Init {
		if ic.Container == nil {
			continue
		}
		c := *ic.Container
		c.Role = RoleInit
		if c.Name == "" {
			c.Name = fmt.Sprintf("plx-init-%d", i)
		}
		op.Init = append(op.Init, c)
	}
	for i, sc := range compiled.Run.Sidecars {
		sc.Role = RoleSidecar
		if sc.Name == "" {
			sc.Name = fmt.Sprintf("plx-sidecar-%d", i)
		}
		op.Sidecars = append(op.Sidecars, sc)
	}

	for _, c := range append(append([]ContainerSpec{}, op.Init...), op.Sidecars...) {
		if seen[c.Name] {
			return nil, plxerrors.InvalidInput("container name %q is used twice", c.Name)
		}
		seen[c.Name] = true
	}
	return op, nil
}

// sortedKeys returns the keys of m in order, for stable manifests and argv.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
