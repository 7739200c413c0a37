package cli

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/warden/pkg/corerr"
	"github.com/cuemby/warden/pkg/types"
)

type yamlTrigger struct {
	Kind        string `yaml:"kind"`
	MessageType string `yaml:"message_type,omitempty"`
	Cron        string `yaml:"cron,omitempty"`
}

type yamlStep struct {
	Name        string         `yaml:"name"`
	Action      string         `yaml:"action"`
	MessageType string         `yaml:"message_type,omitempty"`
	Command     string         `yaml:"command,omitempty"`
	EventData   map[string]any `yaml:"event_data,omitempty"`
	Timeout     string         `yaml:"timeout,omitempty"`
	OnError     string         `yaml:"on_error,omitempty"`
}

type yamlWaitForEvent struct {
	MessageType string `yaml:"message_type"`
	Timeout     string `yaml:"timeout,omitempty"`
}

// yamlDescriptor is the on-disk shape consumed by `workflows add -f` and
// `jobs add -f`, generalizing the apiVersion/kind/metadata/spec envelope
// into a typed Workflow/Job document keyed by name instead of applied
// wholesale.
type yamlDescriptor struct {
	Name         string            `yaml:"name"`
	OnSurpass    string            `yaml:"on_surpass,omitempty"`
	Timeout      string            `yaml:"timeout,omitempty"`
	Environment  map[string]string `yaml:"environment,omitempty"`
	Triggers     []yamlTrigger     `yaml:"triggers,omitempty"`
	WaitForEvent *yamlWaitForEvent `yaml:"wait_for_event,omitempty"`
	Steps        []yamlStep        `yaml:"steps"`
}

// loadDescriptorYAML reads path and builds a Descriptor of the given kind
// from it, leaving ID/Active to the caller's defaults.
func loadDescriptorYAML(path string, kind types.DescriptorKind) (*types.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindExternalFailure, "read descriptor file", err)
	}
	var doc yamlDescriptor
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, corerr.Wrap(corerr.KindParseError, "parse descriptor yaml", err)
	}
	if doc.Name == "" {
		return nil, corerr.New(corerr.KindParseError, "descriptor yaml: name is required")
	}
	if len(doc.Steps) == 0 {
		return nil, corerr.New(corerr.KindParseError, "descriptor yaml: at least one step is required")
	}

	d := &types.Descriptor{
		Kind:        kind,
		ID:          types.NewTaskDescriptorID(),
		Name:        doc.Name,
		Environment: doc.Environment,
		Active:      true,
		OnSurpass:   types.SurpassPolicy(doc.OnSurpass),
	}
	if d.OnSurpass == "" {
		d.OnSurpass = types.SurpassSkip
	}
	if doc.Timeout != "" {
		dur, err := time.ParseDuration(doc.Timeout)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindParseError, "descriptor yaml: timeout", err)
		}
		d.Timeout = dur
	}
	if doc.WaitForEvent != nil {
		wfe := &types.WaitForEvent{MessageType: doc.WaitForEvent.MessageType}
		if doc.WaitForEvent.Timeout != "" {
			dur, err := time.ParseDuration(doc.WaitForEvent.Timeout)
			if err != nil {
				return nil, corerr.Wrap(corerr.KindParseError, "descriptor yaml: wait_for_event.timeout", err)
			}
			wfe.Timeout = dur
		}
		d.WaitForEvent = wfe
	}
	for _, t := range doc.Triggers {
		d.Triggers = append(d.Triggers, types.Trigger{Kind: types.TriggerKind(t.Kind), MessageType: t.MessageType, Cron: t.Cron})
	}
	for _, s := range doc.Steps {
		step := types.Step{
			Name:        s.Name,
			Action:      types.StepActionKind(s.Action),
			MessageType: s.MessageType,
			Command:     s.Command,
			EventData:   s.EventData,
			OnError:     types.ErrorBehavior(s.OnError),
		}
		if step.OnError == "" {
			step.OnError = types.OnErrorStop
		}
		if s.Timeout != "" {
			dur, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, corerr.Wrap(corerr.KindParseError, "descriptor yaml: step "+s.Name+" timeout", err)
			}
			step.Timeout = dur
		}
		d.Steps = append(d.Steps, step)
	}
	return d, nil
}
