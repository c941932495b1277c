package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/plxctl/plx/internal/config"
	"github.com/plxctl/plx/internal/types"
)

// Kubernetes submits the compiled run as a batch/v1 Job with kubectl.
// Success means the cluster accepted the Job; the outcome of the workload
// is observed through the status watch.
type Kubernetes struct {
	opts Options
}

// Kind implements Executor.
func (k *Kubernetes) Kind() config.ExecutorKind { return config.ExecutorK8s }

func (k *Kubernetes) binary() string {
	if k.opts.Config.KubectlBin != "" {
		return k.opts.Config.KubectlBin
	}
	return "kubectl"
}

// CheckAvailable implements Executor. A reachable cluster and a configured
// agent namespace are both required.
func (k *Kubernetes) CheckAvailable(ctx context.Context) bool {
	if k.opts.Namespace == "" {
		k.opts.Logger.Warn("no agent namespace configured")
		return false
	}
	_, ok := k.Version(ctx)
	return ok
}

// Version implements Executor. It returns the server's git version.
func (k *Kubernetes) Version(ctx context.Context) (string, bool) {
	out, err := k.opts.Runner.Output(ctx, k.binary(), "version", "-o", "json")
	if err != nil {
		return "", false
	}
	var v struct {
		ServerVersion *struct {
			GitVersion string `json:"gitVersion"`
		} `json:"serverVersion"`
	}
	if err := json.Unmarshal(out, &v); err != nil || v.ServerVersion == nil || v.ServerVersion.GitVersion == "" {
		return "", false
	}
	return v.ServerVersion.GitVersion, true
}

// CreateFromRun implements Executor.
func (k *Kubernetes) CreateFromRun(ctx context.Context, run *types.Run, defaultAuth bool) Result {
	op, err := ParseOperation(run.Content)
	if err != nil {
		return failed("%v", err)
	}
	manifest, err := renderJob(run, op, k.opts.Namespace, defaultAuth)
	if err != nil {
		return failed("rendering job manifest: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code, err := k.opts.Runner.Run(ctx, Command{
		Name:   k.binary(),
		Args:   []string{"apply", "-n", k.opts.Namespace, "-f", "-"},
		Stdin:  bytes.NewReader(manifest),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return failed("kubectl apply: %v", err)
	}
	if code != 0 {
		return failed("kubectl apply exited with code %d: %s", code, strings.TrimSpace(stderr.String()))
	}
	if k.opts.Console != nil {
		_, _ = k.opts.Console.Write(stdout.Bytes())
	}
	return Result{Status: types.StatusSucceeded, Message: strings.TrimSpace(stdout.String())}
}

type k8sObjectMeta struct {
	Name        string            `yaml:"name"`
	Namespace   string            `yaml:"namespace,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

type k8sEnvVar struct {
	Name      string         `yaml:"name"`
	Value     string         `yaml:"value,omitempty"`
	ValueFrom map[string]any `yaml:"valueFrom,omitempty"`
}

type k8sContainer struct {
	Name       string      `yaml:"name"`
	Image      string      `yaml:"image"`
	Command    []string    `yaml:"command,omitempty"`
	Args       []string    `yaml:"args,omitempty"`
	Env        []k8sEnvVar `yaml:"env,omitempty"`
	WorkingDir string      `yaml:"workingDir,omitempty"`
}

type k8sPodSpec struct {
	RestartPolicy      string            `yaml:"restartPolicy"`
	ServiceAccountName string            `yaml:"serviceAccountName,omitempty"`
	NodeSelector       map[string]string `yaml:"nodeSelector,omitempty"`
	InitContainers     []k8sContainer    `yaml:"initContainers,omitempty"`
	Containers         []k8sContainer    `yaml:"containers"`
}

type k8sJob struct {
	APIVersion string        `yaml:"apiVersion"`
	Kind       string        `yaml:"kind"`
	Metadata   k8sObjectMeta `yaml:"metadata"`
	Spec       struct {
		BackoffLimit int `yaml:"backoffLimit"`
		Template     struct {
			Metadata k8sObjectMeta `yaml:"metadata"`
			Spec     k8sPodSpec    `yaml:"spec"`
		} `yaml:"template"`
	} `yaml:"spec"`
}

// renderJob builds the Job manifest of run.
func renderJob(run *types.Run, op *Operation, namespace string, defaultAuth bool) ([]byte, error) {
	name := "plx-" + shortUUID(run.UUID)
	labels := map[string]string{
		"app.kubernetes.io/managed-by": "plx",
		"plx.dev/run-uuid":             run.UUID,
		"plx.dev/project":              run.Project,
	}
	for _, key := range sortedKeys(op.Environment.Labels) {
		labels[key] = op.Environment.Labels[key]
	}

	env := []k8sEnvVar{
		{Name: "PLX_RUN_UUID", Value: run.UUID},
		{Name: "PLX_RUN_OWNER", Value: run.Owner},
		{Name: "PLX_RUN_PROJECT", Value: run.Project},
	}
	if defaultAuth {
		env = append(env, k8sEnvVar{
			Name: "POLYAXON_AUTH_TOKEN",
			ValueFrom: map[string]any{
				"secretKeyRef": map[string]any{"name": "polyaxon-auth", "key": "token"},
			},
		})
	}

	toK8s := func(c ContainerSpec) k8sContainer {
		kc := k8sContainer{
			Name:       c.Name,
			Image:      c.Image,
			Command:    c.Command,
			Args:       c.Args,
			WorkingDir: c.WorkingDir,
		}
		kc.Env = append(kc.Env, env...)
		for _, e := range c.Env {
			kc.Env = append(kc.Env, k8sEnvVar{Name: e.Name, Value: e.Value})
		}
		return kc
	}

	var job k8sJob
	job.APIVersion = "batch/v1"
	job.Kind = "Job"
	job.Metadata = k8sObjectMeta{Name: name, Namespace: namespace, Labels: labels, Annotations: op.Environment.Annotations}
	job.Spec.Template.Metadata = k8sObjectMeta{Name: name, Labels: labels}

	pod := &job.Spec.Template.Spec
	pod.RestartPolicy = op.Environment.RestartPolicy
	if pod.RestartPolicy == "" {
		pod.RestartPolicy = "Never"
	}
	pod.ServiceAccountName = op.Environment.ServiceAccountName
	pod.NodeSelector = op.Environment.NodeSelector
	for _, c := range op.Init {
		pod.InitContainers = append(pod.InitContainers, toK8s(c))
	}
	pod.Containers = append(pod.Containers, toK8s(op.Main))
	for _, c := range op.Sidecars {
		pod.Containers = append(pod.Containers, toK8s(c))
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(job); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
