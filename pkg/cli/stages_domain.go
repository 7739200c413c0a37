package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warden/pkg/corerr"
	"github.com/cuemby/warden/pkg/graph"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

func registerDomainStages(r *Registry) {
	r.register("search", searchFactory)
	r.register("execute_search", executeSearchFactory)
	r.register("predecessors", traversalFactory(func(g graph.Store) func(string, string, bool) ([]graph.Node, error) { return g.Predecessors }))
	r.register("successors", traversalFactory(func(g graph.Store) func(string, string, bool) ([]graph.Node, error) { return g.Successors }))
	r.register("ancestors", traversalFactory(func(g graph.Store) func(string, string, bool) ([]graph.Node, error) { return g.Ancestors }))
	r.register("descendants", traversalFactory(func(g graph.Store) func(string, string, bool) ([]graph.Node, error) { return g.Descendants }))
	r.register("tag", tagFactory)
	r.register("execute-task", executeTaskFactory)
	r.register("workflows", workflowsFactory)
	r.register("jobs", jobsFactory)
	r.register("templates", templatesFactory)
	r.register("configs", configsFactory)
	r.register("write", writeFactory)
	r.register("system", systemFactory)
	r.register("certificate", certificateFactory)
	r.register("history", historyFactory)
}

// --- search / execute_search ---

func searchFactory(args []string) (compiledStage, error) {
	expr := strings.Join(args, " ")
	q := graph.CompileAttributeQuery(expr)
	return compiledStage{name: "search", position: PositionSource, run: timedStage("search", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		if env.Graph == nil {
			return corerr.New(corerr.KindExternalFailure, "search: no graph configured")
		}
		nodes, err := env.Graph.Search(ctx, q)
		if err != nil {
			return corerr.Wrap(corerr.KindExternalFailure, "search", err)
		}
		for n := range nodes {
			select {
			case out <- nodeToValue(n):
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})}, nil
}

func executeSearchFactory(args []string) (compiledStage, error) {
	return searchFactory(args)
}

func nodeToValue(n graph.Node) any {
	return map[string]any{"id": n.ID, "kind": n.Kind, "reported": n.Attributes}
}

func traversalFactory(pick func(graph.Store) func(string, string, bool) ([]graph.Node, error)) factory {
	return func(args []string) (compiledStage, error) {
		withOrigin := false
		var rest []string
		for _, a := range args {
			if a == "--with-origin" {
				withOrigin = true
				continue
			}
			rest = append(rest, a)
		}
		edgeType := graph.DefaultEdgeType
		if len(rest) > 0 {
			edgeType = rest[0]
		}
		return compiledStage{name: "traversal", position: PositionFlow, run: timedStage("traversal", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
			if env.Graph == nil {
				return corerr.New(corerr.KindExternalFailure, "traversal: no graph configured")
			}
			fn := pick(env.Graph)
			for v := range in {
				seed := seedID(v)
				nodes, err := fn(seed, edgeType, withOrigin)
				if err != nil {
					return corerr.Wrap(corerr.KindExternalFailure, "traversal", err)
				}
				for _, n := range nodes {
					select {
					case out <- nodeToValue(n):
					case <-ctx.Done():
						drain(in)
						return nil
					}
				}
			}
			return nil
		})}, nil
	}
}

func seedID(v any) string {
	if m, ok := v.(map[string]any); ok {
		if id, ok := m["id"].(string); ok {
			return id
		}
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// --- tag ---

func tagFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "tag: expected update or delete")
	}
	op := args[0]
	if op != "update" && op != "delete" {
		return compiledStage{}, corerr.New(corerr.KindParseError, "tag: unknown operation "+op)
	}
	nowait := false
	var kv []string
	for _, a := range args[1:] {
		if a == "--nowait" {
			nowait = true
			continue
		}
		kv = append(kv, a)
	}
	return compiledStage{name: "tag", position: PositionFlow, run: timedStage("tag", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		if env.WorkQueue == nil {
			return corerr.New(corerr.KindExternalFailure, "tag: no worker queue configured")
		}
		for v := range in {
			attrs := map[string]string{"operation": op, "id": seedID(v)}
			for _, pair := range kv {
				idx := strings.Index(pair, "=")
				if idx < 0 {
					continue
				}
				attrs[pair[:idx]] = pair[idx+1:]
			}
			task := types.WorkerTask{ID: uuid.NewString(), Name: "tag", Attributes: attrs, Timeout: 30 * time.Second}
			future := env.WorkQueue.AddTask(task)

			if nowait {
				select {
				case out <- task.ID:
				case <-ctx.Done():
					drain(in)
					return nil
				}
				continue
			}

			result, err := future.Wait(ctx)
			if err != nil {
				drain(in)
				return nil
			}
			if !result.Success {
				env.Logger.Warn().Str("node_id", attrs["id"]).Msg("Update not reflected in db. Wait until next collector run.")
			} else if env.Store != nil {
				kind := storage.NodeUpdated
				if op == "delete" {
					kind = storage.NodeDeleted
				}
				if err := env.Store.AppendNodeHistory(storage.NodeHistoryEntry{NodeID: attrs["id"], Kind: kind, At: time.Now().Unix()}); err != nil {
					env.Logger.Warn().Err(err).Str("node_id", attrs["id"]).Msg("failed to record node history")
				}
			}
			select {
			case out <- task.ID:
			case <-ctx.Done():
				drain(in)
				return nil
			}
		}
		return nil
	})}, nil
}

// --- execute-task ---

func executeTaskFactory(args []string) (compiledStage, error) {
	var command, arg string
	noNodeResult := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--command":
			i++
			if i < len(args) {
				command = args[i]
			}
		case "--arg":
			i++
			if i < len(args) {
				arg = args[i]
			}
		case "--no-node-result":
			noNodeResult = true
		}
	}
	if command == "" {
		return compiledStage{}, corerr.New(corerr.KindParseError, "execute-task: --command is required")
	}
	return compiledStage{name: "execute-task", position: PositionFlow, run: timedStage("execute-task", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		if env.WorkQueue == nil {
			return corerr.New(corerr.KindExternalFailure, "execute-task: no worker queue configured")
		}
		post := func(id string) error {
			resolvedArg := strings.ReplaceAll(arg, "{id}", id)
			task := types.WorkerTask{ID: uuid.NewString(), Name: "execute-task", Attributes: map[string]string{"command": command, "arg": resolvedArg}, Timeout: time.Minute}
			result, err := env.WorkQueue.AddTask(task).Wait(ctx)
			if err != nil {
				return err
			}
			if noNodeResult {
				out <- task.ID
				return nil
			}
			if result.Success {
				out <- result.Data
			} else {
				out <- result.Err.Error()
			}
			return nil
		}

		if in == nil {
			return post("")
		}
		for v := range in {
			if err := post(seedID(v)); err != nil {
				drain(in)
				return nil
			}
		}
		return nil
	})}, nil
}

// --- workflows ---

func workflowsFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "workflows: subcommand required")
	}
	sub, rest := args[0], args[1:]
	var yamlFile string
	switch sub {
	case "list", "running":
	case "show", "run", "log":
		if len(rest) == 0 {
			return compiledStage{}, corerr.New(corerr.KindParseError, "workflows "+sub+": argument required")
		}
	case "history":
	case "add":
		if len(rest) < 2 || rest[0] != "-f" {
			return compiledStage{}, corerr.New(corerr.KindParseError, "workflows add: -f <file> is required")
		}
		yamlFile = rest[1]
	default:
		return compiledStage{}, corerr.New(corerr.KindParseError, "workflows: unknown subcommand "+sub)
	}
	return compiledStage{name: "workflows", position: PositionSource, run: timedStage("workflows", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		if env.Tasks == nil || env.Store == nil {
			return corerr.New(corerr.KindExternalFailure, "workflows: no task handler configured")
		}
		switch sub {
		case "add":
			d, err := loadDescriptorYAML(yamlFile, types.DescriptorWorkflow)
			if err != nil {
				return err
			}
			if err := env.Tasks.RegisterDescriptor(ctx, d); err != nil {
				return err
			}
			emit(ctx, out, fmt.Sprintf("Workflow %s added.", d.Name))
		case "list":
			descriptors, err := env.Store.ListDescriptors(types.DescriptorWorkflow)
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "workflows list", err)
			}
			for _, d := range descriptors {
				emit(ctx, out, d.Name)
			}
		case "running":
			for _, rt := range env.Tasks.ListRunning("") {
				emit(ctx, out, string(rt.ID))
			}
		case "show":
			d, err := findDescriptorByName(env, types.DescriptorWorkflow, rest[0])
			if err != nil {
				return err
			}
			emit(ctx, out, d)
		case "run":
			d, err := findDescriptorByName(env, types.DescriptorWorkflow, rest[0])
			if err != nil {
				return err
			}
			running := env.Tasks.ListRunning(d.ID)
			if d.OnSurpass == types.SurpassSkip && len(running) > 0 {
				emit(ctx, out, fmt.Sprintf("Workflow %s already running with id %s", d.Name, running[0].ID))
				return nil
			}
			rt, startErr := env.Tasks.StartTask(ctx, d)
			if startErr != nil {
				return startErr
			}
			emit(ctx, out, fmt.Sprintf("Workflow %s started with id %s", d.Name, rt.ID))
		case "history":
			records, err := env.Store.ListHistory()
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "workflows history", err)
			}
			for _, rec := range records {
				emit(ctx, out, rec)
			}
		case "log":
			emit(ctx, out, fmt.Sprintf("log for run %s is not retained beyond process lifetime", rest[0]))
		}
		return nil
	})}, nil
}

func findDescriptorByName(env *Env, kind types.DescriptorKind, name string) (*types.Descriptor, error) {
	descriptors, err := env.Store.ListDescriptors(kind)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindExternalFailure, "list descriptors", err)
	}
	for _, d := range descriptors {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, corerr.New(corerr.KindNotFound, name)
}

func emit(ctx context.Context, out chan<- any, v any) {
	select {
	case out <- v:
	case <-ctx.Done():
	}
}

// --- jobs ---

func jobsFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "jobs: subcommand required")
	}
	sub, rest := args[0], args[1:]

	var id, schedule, yamlFile string
	var commandWords []string
	switch sub {
	case "add":
		for i := 0; i < len(rest); i++ {
			switch rest[i] {
			case "-f":
				i++
				if i < len(rest) {
					yamlFile = rest[i]
				}
			case "--id":
				i++
				if i < len(rest) {
					id = rest[i]
				}
			case "--schedule":
				i++
				if i < len(rest) {
					schedule = rest[i]
				}
			default:
				commandWords = append(commandWords, rest[i])
			}
		}
		if yamlFile == "" && id == "" {
			return compiledStage{}, corerr.New(corerr.KindParseError, "jobs add: --id or -f <file> is required")
		}
	case "list", "running":
	case "show", "activate", "deactivate", "delete", "run":
		if len(rest) == 0 {
			return compiledStage{}, corerr.New(corerr.KindParseError, "jobs "+sub+": id required")
		}
		id = rest[0]
	default:
		return compiledStage{}, corerr.New(corerr.KindParseError, "jobs: unknown subcommand "+sub)
	}

	return compiledStage{name: "jobs", position: PositionSource, run: timedStage("jobs", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		if env.Tasks == nil || env.Store == nil {
			return corerr.New(corerr.KindExternalFailure, "jobs: no task handler configured")
		}
		switch sub {
		case "add":
			var d *types.Descriptor
			if yamlFile != "" {
				loaded, err := loadDescriptorYAML(yamlFile, types.DescriptorJob)
				if err != nil {
					return err
				}
				d = loaded
			} else {
				d = &types.Descriptor{
					Kind:        types.DescriptorJob,
					ID:          types.NewTaskDescriptorID(),
					Name:        id,
					OnSurpass:   types.SurpassParallel,
					Environment: map[string]string{"graph": "ns", "section": "reported"},
					Active:      true,
					Steps:       []types.Step{{Name: "run", Action: types.StepExecuteCommand, Command: strings.Join(commandWords, " "), OnError: types.OnErrorStop}},
				}
				if schedule != "" {
					d.Triggers = append(d.Triggers, types.Trigger{Kind: types.TriggerTime, Cron: schedule})
				}
			}
			if err := env.Tasks.RegisterDescriptor(ctx, d); err != nil {
				return err
			}
			emit(ctx, out, fmt.Sprintf("Job %s added.", d.Name))
		case "list":
			jobs, err := env.Store.ListDescriptors(types.DescriptorJob)
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "jobs list", err)
			}
			for _, d := range jobs {
				emit(ctx, out, d.Name)
			}
		case "running":
			for _, rt := range env.Tasks.ListRunning("") {
				if rt.Descriptor.Kind == types.DescriptorJob {
					emit(ctx, out, string(rt.ID))
				}
			}
		case "show":
			d, err := findDescriptorByName(env, types.DescriptorJob, id)
			if err != nil {
				return err
			}
			emit(ctx, out, d)
		case "activate", "deactivate":
			d, err := findDescriptorByName(env, types.DescriptorJob, id)
			if err != nil {
				return err
			}
			d.Active = sub == "activate"
			if err := env.Tasks.RegisterDescriptor(ctx, d); err != nil {
				return err
			}
			emit(ctx, out, fmt.Sprintf("Job %s %sd.", id, sub))
		case "delete":
			d, err := findDescriptorByName(env, types.DescriptorJob, id)
			if err != nil {
				return err
			}
			if err := env.Store.DeleteDescriptor(d.ID); err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "jobs delete", err)
			}
			emit(ctx, out, fmt.Sprintf("Job %s deleted.", id))
		case "run":
			d, err := findDescriptorByName(env, types.DescriptorJob, id)
			if err != nil {
				return err
			}
			rt, err := env.Tasks.StartTask(ctx, d)
			if err != nil {
				return err
			}
			emit(ctx, out, fmt.Sprintf("Job %s started with id %s", d.Name, rt.ID))
		}
		return nil
	})}, nil
}

// --- templates ---

func templatesFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "templates: subcommand required")
	}
	sub, rest := args[0], args[1:]
	if sub != "test" && sub != "add" && sub != "list" && sub != "show" && sub != "delete" {
		return compiledStage{}, corerr.New(corerr.KindParseError, "templates: unknown subcommand "+sub)
	}
	position := PositionSource
	if sub == "test" {
		// test renders the stored template against the JSON context
		// flowing in from an upstream stage, so it must sit mid-pipeline.
		position = PositionFlow
	}
	return compiledStage{name: "templates", position: position, run: timedStage("templates", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		if env.Store == nil {
			return corerr.New(corerr.KindExternalFailure, "templates: no store configured")
		}
		switch sub {
		case "add":
			if len(rest) < 2 {
				return corerr.New(corerr.KindParseError, "templates add: name and body required")
			}
			if err := env.Store.SaveTemplate(rest[0], map[string]any{"body": strings.Join(rest[1:], " ")}); err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "templates add", err)
			}
			emit(ctx, out, fmt.Sprintf("Template %s added.", rest[0]))
		case "show":
			if len(rest) == 0 {
				return corerr.New(corerr.KindParseError, "templates show: name required")
			}
			doc, err := env.Store.GetTemplate(rest[0])
			if err != nil {
				return err
			}
			emit(ctx, out, doc)
		case "delete":
			if len(rest) == 0 {
				return corerr.New(corerr.KindParseError, "templates delete: name required")
			}
			if err := env.Store.DeleteTemplate(rest[0]); err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "templates delete", err)
			}
			emit(ctx, out, fmt.Sprintf("Template %s deleted.", rest[0]))
		case "list":
			names, err := env.Store.ListTemplateNames()
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "templates list", err)
			}
			for _, name := range names {
				emit(ctx, out, name)
			}
		case "test":
			if len(rest) == 0 {
				return corerr.New(corerr.KindParseError, "templates test: name required")
			}
			doc, err := env.Store.GetTemplate(rest[0])
			if err != nil {
				return err
			}
			body, _ := doc["body"].(string)
			tmpl, err := texttemplate.New(rest[0]).Parse(body)
			if err != nil {
				return corerr.Wrap(corerr.KindParseError, "templates test: invalid template body", err)
			}
			renderCtx := map[string]any{}
			for v := range in {
				if m, ok := v.(map[string]any); ok {
					renderCtx = m
				}
			}
			var buf strings.Builder
			if err := tmpl.Execute(&buf, renderCtx); err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "templates test: render", err)
			}
			emit(ctx, out, buf.String())
		}
		return nil
	})}, nil
}

// --- configs ---

func configsFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "configs: subcommand required")
	}
	sub, rest := args[0], args[1:]
	if sub != "set" && sub != "show" && sub != "list" && sub != "edit" && sub != "update" {
		return compiledStage{}, corerr.New(corerr.KindParseError, "configs: unknown subcommand "+sub)
	}
	return compiledStage{name: "configs", position: PositionSource, run: timedStage("configs", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		if env.Store == nil {
			return corerr.New(corerr.KindExternalFailure, "configs: no store configured")
		}
		switch sub {
		case "set", "update":
			if len(rest) < 2 {
				return corerr.New(corerr.KindParseError, "configs "+sub+": name and key=value required")
			}
			doc, _ := env.Store.GetConfig(rest[0])
			if doc == nil {
				doc = make(map[string]any)
			}
			for _, kv := range rest[1:] {
				idx := strings.Index(kv, "=")
				if idx < 0 {
					continue
				}
				doc[kv[:idx]] = kv[idx+1:]
			}
			if err := env.Store.SaveConfig(rest[0], doc); err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "configs set", err)
			}
			emit(ctx, out, fmt.Sprintf("Config %s updated.", rest[0]))
		case "show":
			if len(rest) == 0 {
				return corerr.New(corerr.KindParseError, "configs show: name required")
			}
			doc, err := env.Store.GetConfig(rest[0])
			if err != nil {
				return err
			}
			emit(ctx, out, doc)
		case "list", "edit":
			emit(ctx, out, "ok")
		}
		return nil
	})}, nil
}

// --- write ---

func writeFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "write: name is required")
	}
	name := args[0]
	return compiledStage{name: "write", position: PositionSink, run: timedStage("write", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		dir, err := os.MkdirTemp("", "warden-write-")
		if err != nil {
			return corerr.Wrap(corerr.KindExternalFailure, "write: mkdtemp", err)
		}
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return corerr.Wrap(corerr.KindExternalFailure, "write: create", err)
		}
		defer f.Close()
		for v := range in {
			fmt.Fprintln(f, renderScalar(v))
		}
		if err := f.Sync(); err != nil {
			return corerr.Wrap(corerr.KindExternalFailure, "write: sync", err)
		}
		emit(ctx, out, path)
		return nil
	})}, nil
}

// --- system ---

func systemFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "system: subcommand required")
	}
	switch args[0] {
	case "info":
		return compiledStage{name: "system", position: PositionSource, run: timedStage("system", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
			emit(ctx, out, map[string]any{"version": "warden-dev"})
			return nil
		})}, nil
	case "backup":
		if len(args) < 2 {
			return compiledStage{}, corerr.New(corerr.KindParseError, "system backup: create or restore required")
		}
		switch args[1] {
		case "create":
			return compiledStage{name: "system", position: PositionSource, run: timedStage("system", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
				if env.Store == nil {
					return corerr.New(corerr.KindExternalFailure, "system backup create: no store configured")
				}
				f, err := os.CreateTemp("", "warden-backup-")
				if err != nil {
					return corerr.Wrap(corerr.KindExternalFailure, "system backup create", err)
				}
				defer f.Close()
				if err := env.Store.Backup(f); err != nil {
					return corerr.Wrap(corerr.KindExternalFailure, "system backup create", err)
				}
				emit(ctx, out, f.Name())
				return nil
			})}, nil
		case "restore":
			if len(args) < 3 {
				return compiledStage{}, corerr.New(corerr.KindParseError, "system backup restore: file required")
			}
			file := args[2]
			return compiledStage{name: "system", position: PositionSource, run: timedStage("system", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
				if env.Store == nil {
					return corerr.New(corerr.KindExternalFailure, "system backup restore: no store configured")
				}
				f, err := os.Open(file)
				if err != nil {
					return corerr.Wrap(corerr.KindExternalFailure, "system backup restore", err)
				}
				defer f.Close()
				if err := env.Store.Restore(f); err != nil {
					return corerr.Wrap(corerr.KindExternalFailure, "system backup restore", err)
				}
				emit(ctx, out, "restored")
				return nil
			})}, nil
		}
		return compiledStage{}, corerr.New(corerr.KindParseError, "system backup: unknown subcommand "+args[1])
	}
	return compiledStage{}, corerr.New(corerr.KindParseError, "system: unknown subcommand "+args[0])
}

// --- certificate ---

// CertificateIssuer is the out-of-scope certificate/TLS handler named in
// spec.md §1; only the seam is defined here.
type CertificateIssuer interface {
	Issue(commonName string) (keyPath, certPath string, err error)
}

func certificateFactory(args []string) (compiledStage, error) {
	if len(args) == 0 || args[0] != "create" {
		return compiledStage{}, corerr.New(corerr.KindParseError, "certificate: only create is supported")
	}
	cn := "localhost"
	if len(args) > 1 {
		cn = args[1]
	}
	return compiledStage{name: "certificate", position: PositionSource, run: timedStage("certificate", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		return corerr.New(corerr.KindExternalFailure, "certificate create: no certificate issuer configured for "+cn)
	})}, nil
}

// --- history ---

func historyFactory(args []string) (compiledStage, error) {
	var before, after, change, query string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--before":
			i++
			if i < len(args) {
				before = args[i]
			}
		case "--after":
			i++
			if i < len(args) {
				after = args[i]
			}
		case "--change":
			i++
			if i < len(args) {
				change = args[i]
			}
		default:
			query = args[i]
		}
	}
	var beforeAt, afterAt time.Time
	var err error
	if before != "" {
		if beforeAt, err = parseRelOrISO(before); err != nil {
			return compiledStage{}, corerr.Wrap(corerr.KindParseError, "history: --before", err)
		}
	}
	if after != "" {
		if afterAt, err = parseRelOrISO(after); err != nil {
			return compiledStage{}, corerr.Wrap(corerr.KindParseError, "history: --after", err)
		}
	}
	return compiledStage{name: "history", position: PositionSource, run: timedStage("history", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		if env.Store == nil {
			return corerr.New(corerr.KindExternalFailure, "history: no store configured")
		}
		entries, err := env.Store.ListNodeHistory()
		if err != nil {
			return corerr.Wrap(corerr.KindExternalFailure, "history", err)
		}
		for _, entry := range entries {
			at := time.Unix(entry.At, 0)
			if !beforeAt.IsZero() && !at.Before(beforeAt) {
				continue
			}
			if !afterAt.IsZero() && !at.After(afterAt) {
				continue
			}
			if change != "" && string(entry.Kind) != change {
				continue
			}
			if query != "" && !strings.Contains(entry.NodeID, query) {
				continue
			}
			emit(ctx, out, entry)
		}
		return nil
	})}, nil
}

// parseRelOrISO accepts a duration-ago shorthand ("2h", "30m") or an
// RFC3339 timestamp, both valid for --before/--after.
func parseRelOrISO(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339, s)
}
