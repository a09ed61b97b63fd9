package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nhle/fieldsync/internal/identity"
	"github.com/nhle/fieldsync/internal/keys"
	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/project"
	"github.com/nhle/fieldsync/internal/theme"
	"github.com/nhle/fieldsync/internal/ui/recordform"
	"github.com/nhle/fieldsync/internal/ui/status"
)

// stdin is read by commands that accept "-" as a file name.
var stdin io.Reader = os.Stdin

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// fail prints err and returns the exit code for it.
func fail(stderr io.Writer, err error) int {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		fmt.Fprintln(stderr, "Validation failed:")
		for _, p := range ve.Problems {
			fmt.Fprintf(stderr, "  - %s\n", p)
		}
		return 1
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// withApp parses flags, wires the client and runs fn with it.
func withApp(name string, args []string, stdout, stderr io.Writer,
	setup func(fs *flagSet), fn func(ctx context.Context, a *app, fs *flagSet) int,
) int {
	fs, g := newFlagSet(name, stderr)
	if setup != nil {
		setup(fs)
	}
	if code, ok := parseFlags(fs.FlagSet, args); !ok {
		return code
	}

	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(ctx, g, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.close(context.Background())
	return fn(ctx, a, fs)
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("init", stderr)
	force := fs.Bool("force", false, "overwrite an existing config file")
	if code, ok := parseFlags(fs.FlagSet, args); !ok {
		return code
	}

	if _, err := os.Stat(g.configPath); err == nil && !*force {
		return fail(stderr, fmt.Errorf("config %s already exists (use --force to overwrite)", g.configPath))
	}
	cfg, err := model.LoadConfig(filepath.Join(os.TempDir(), "fieldsync-does-not-exist.yaml"))
	if err != nil {
		return fail(stderr, err)
	}
	if err := model.SaveConfig(g.configPath, cfg); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "Wrote %s\n", g.configPath)
	return 0
}

func runSignIn(args []string, stdout, stderr io.Writer) int {
	fs, _ := newFlagSet("signin", stderr)
	id := fs.String("id", "", "account id recorded as creator and submitter")
	unverified := fs.Bool("unverified", false, "store the account as unverified (local-only writes)")
	if code, ok := parseFlags(fs.FlagSet, args); !ok {
		return code
	}
	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(stderr, "signin: --id is required")
		return 2
	}

	if err := newSessions().SignIn(identity.Identity{ID: *id, Verified: !*unverified}); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "Signed in as %s\n", *id)
	return 0
}

func runSignOut(args []string, stdout, stderr io.Writer) int {
	fs, _ := newFlagSet("signout", stderr)
	if code, ok := parseFlags(fs.FlagSet, args); !ok {
		return code
	}
	if err := newSessions().SignOut(); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, "Signed out")
	return 0
}

func runWhoAmI(args []string, stdout, stderr io.Writer) int {
	fs, _ := newFlagSet("whoami", stderr)
	if code, ok := parseFlags(fs.FlagSet, args); !ok {
		return code
	}
	id, err := newSessions().Current(context.Background())
	if err != nil {
		return fail(stderr, err)
	}
	switch {
	case id == nil:
		fmt.Fprintln(stdout, "Signed out; new data is recorded as anonymous")
	case !id.Verified:
		fmt.Fprintf(stdout, "%s (unverified)\n", id.ID)
	default:
		fmt.Fprintln(stdout, id.ID)
	}
	return 0
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	var file *string
	var cloud *bool
	return withApp("create", args, stdout, stderr, func(fs *flagSet) {
		file = fs.StringP("file", "f", "", "project definition as JSON (- for stdin)")
		cloud = fs.Bool("cloud", false, "fail instead of falling back to a local-only project")
	}, func(ctx context.Context, a *app, _ *flagSet) int {
		in, err := readProject(*file)
		if err != nil {
			return fail(stderr, err)
		}
		var opts []project.CreateOption
		if *cloud {
			opts = append(opts, project.RequireCloud())
		}
		p, err := a.repo.Create(ctx, in, opts...)
		if err != nil {
			return fail(stderr, err)
		}
		printProject(ctx, stdout, a, p)
		return 0
	})
}

func readProject(path string) (model.Project, error) {
	var r io.Reader
	switch path {
	case "":
		return model.Project{}, errors.New("--file is required")
	case "-":
		r = stdin
	default:
		f, err := os.Open(path)
		if err != nil {
			return model.Project{}, fmt.Errorf("opening project file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var p model.Project
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return model.Project{}, fmt.Errorf("decoding project file: %w", err)
	}
	return p, nil
}

func printProject(ctx context.Context, w io.Writer, a *app, p model.Project) {
	where := "local only"
	if _, loc, err := a.repo.Get(ctx, p.Key()); err == nil {
		if id, ok := model.IsCloud(loc); ok {
			where = "cloud " + id
		}
	}
	fmt.Fprintf(w, "%s  %s\n", p.Key(), p.Name)
	fmt.Fprintf(w, "  PIN:     %s\n", p.ProjectPin)
	fmt.Fprintf(w, "  Status:  %s\n", statusOf(p))
	fmt.Fprintf(w, "  Records: %d\n", p.RecordCount)
	fmt.Fprintf(w, "  Stored:  %s\n", where)
}

func statusOf(p model.Project) string {
	if p.Active() {
		return string(model.StatusActive)
	}
	return string(p.Status)
}

func runProjects(args []string, stdout, stderr io.Writer) int {
	return withApp("projects", args, stdout, stderr, nil, func(ctx context.Context, a *app, _ *flagSet) int {
		projects, err := a.repo.List(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		if len(projects) == 0 {
			fmt.Fprintln(stdout, "No projects.")
			return 0
		}
		sort.Slice(projects, func(i, j int) bool {
			return projects[i].CreatedAt.Before(projects[j].CreatedAt)
		})

		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
			Headers("KEY", "NAME", "PIN", "STATUS", "RECORDS", "PENDING", "STORED")
		for _, p := range projects {
			pending, err := a.local.PendingCount(ctx, p.Key())
			if err != nil {
				return fail(stderr, err)
			}
			stored := "local"
			if p.ID != "" {
				stored = "cloud"
			}
			t.Row(p.Key(), p.Name, p.ProjectPin, statusOf(p),
				strconv.Itoa(p.RecordCount), strconv.Itoa(pending), stored)
		}
		fmt.Fprintln(stdout, t.Render())
		return 0
	})
}

func runJoin(args []string, stdout, stderr io.Writer) int {
	return withApp("join", args, stdout, stderr, nil, func(ctx context.Context, a *app, fs *flagSet) int {
		pin := fs.Arg(0)
		if pin == "" {
			if err := recordform.JoinPrompt(&pin).RunWithContext(ctx); err != nil {
				return fail(stderr, err)
			}
		}
		p, err := a.repo.FindByPin(ctx, strings.ToUpper(strings.TrimSpace(pin)))
		if errors.Is(err, model.ErrNotFound) {
			return fail(stderr, fmt.Errorf("no project uses PIN %s", pin))
		}
		if err != nil {
			return fail(stderr, err)
		}
		printProject(ctx, stdout, a, p)
		return 0
	})
}

func runRecord(args []string, stdout, stderr io.Writer) int {
	var sets *[]string
	return withApp("record", args, stdout, stderr, func(fs *flagSet) {
		sets = fs.StringArray("set", nil, "answer a field as FIELD=VALUE (skips the form; repeatable)")
	}, func(ctx context.Context, a *app, fs *flagSet) int {
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: fieldsync record <project> [--set FIELD=VALUE ...]")
			return 2
		}
		p, _, err := a.repo.Get(ctx, fs.Arg(0))
		if err != nil {
			return fail(stderr, err)
		}

		var data map[string]model.Value
		if len(*sets) > 0 {
			data, err = parseAnswers(p, *sets)
			if err != nil {
				return fail(stderr, err)
			}
		} else {
			form := recordform.New(p)
			if err := form.RunWithContext(ctx); err != nil {
				return fail(stderr, err)
			}
			data = form.Data()
		}

		rec, err := a.engine.Enqueue(ctx, p.Key(), data)
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "Saved record %s\n", rec.ID)

		if !a.signal.IsOnline() {
			fmt.Fprintln(stdout, "Offline; the record will sync when a connection is available.")
			return 0
		}
		res, err := a.engine.Flush(ctx, p.Key())
		if err != nil {
			fmt.Fprintf(stdout, "Not synced yet (%d pending): %v\n", res.Remaining, err)
			return 0
		}
		fmt.Fprintln(stdout, "Synced.")
		return 0
	})
}

// parseAnswers turns FIELD=VALUE pairs into record data. Location values
// are written as PROVINCE/DISTRICT.
func parseAnswers(p model.Project, pairs []string) (map[string]model.Value, error) {
	data := make(map[string]model.Value, len(pairs))
	for _, pair := range pairs {
		id, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("answer %q is not FIELD=VALUE", pair)
		}
		t := model.FieldText
		if f, ok := p.Field(id); ok {
			t = f.Type
		}
		if t == model.FieldLocation {
			province, district, _ := strings.Cut(raw, "/")
			data[id] = model.PlaceValue(province, district)
			continue
		}
		data[id] = model.TextValue(t, raw)
	}
	return data, nil
}

func runFlush(args []string, stdout, stderr io.Writer) int {
	return withApp("flush", args, stdout, stderr, nil, func(ctx context.Context, a *app, _ *flagSet) int {
		if !a.signal.IsOnline() {
			return fail(stderr, model.ErrConnectivityRequired)
		}
		results, err := a.engine.FlushAll(ctx)
		for _, res := range results {
			line := fmt.Sprintf("%s: %d delivered, %d pending", res.ProjectID, res.Delivered, res.Remaining)
			if res.Err != nil {
				line += fmt.Sprintf(" (%v)", res.Err)
			}
			fmt.Fprintln(stdout, line)
		}
		if len(results) == 0 {
			fmt.Fprintln(stdout, "Nothing to sync.")
		}
		if err != nil {
			return 1
		}
		return 0
	})
}

// projectCommand runs a command taking a single project argument.
func projectCommand(name string, args []string, stdout, stderr io.Writer,
	fn func(ctx context.Context, a *app, projectID string) (model.Project, error),
) int {
	return withApp(name, args, stdout, stderr, nil, func(ctx context.Context, a *app, fs *flagSet) int {
		if fs.NArg() != 1 {
			fmt.Fprintf(stderr, "usage: fieldsync %s <project>\n", name)
			return 2
		}
		p, err := fn(ctx, a, fs.Arg(0))
		if err != nil {
			return fail(stderr, err)
		}
		printProject(ctx, stdout, a, p)
		return 0
	})
}

func runPublish(args []string, stdout, stderr io.Writer) int {
	return projectCommand("publish", args, stdout, stderr, func(ctx context.Context, a *app, id string) (model.Project, error) {
		return a.repo.Publish(ctx, id)
	})
}

func runEnd(args []string, stdout, stderr io.Writer) int {
	return projectCommand("end", args, stdout, stderr, func(ctx context.Context, a *app, id string) (model.Project, error) {
		return a.repo.EndSurvey(ctx, id)
	})
}

func runDuplicate(args []string, stdout, stderr io.Writer) int {
	var name *string
	return withApp("duplicate", args, stdout, stderr, func(fs *flagSet) {
		name = fs.String("name", "", "name of the copy")
	}, func(ctx context.Context, a *app, fs *flagSet) int {
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: fieldsync duplicate <project> --name NAME")
			return 2
		}
		p, err := a.repo.Duplicate(ctx, fs.Arg(0), *name)
		if err != nil {
			return fail(stderr, err)
		}
		printProject(ctx, stdout, a, p)
		return 0
	})
}

func runDelete(args []string, stdout, stderr io.Writer) int {
	return withApp("delete", args, stdout, stderr, nil, func(ctx context.Context, a *app, fs *flagSet) int {
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: fieldsync delete <project>")
			return 2
		}
		if err := a.repo.Delete(ctx, fs.Arg(0)); err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "Deleted %s\n", fs.Arg(0))
		return 0
	})
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("status", stderr)
	if code, ok := parseFlags(fs.FlagSet, args); !ok {
		return code
	}

	// The dashboard owns the terminal, so logs go to a file.
	logPath := filepath.Join(filepath.Dir(g.configPath), "fieldsync.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fail(stderr, err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fail(stderr, fmt.Errorf("opening log file: %w", err))
	}
	defer logFile.Close()

	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(ctx, g, logFile)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.close(context.Background())

	if a.prober != nil {
		a.prober.Start()
	}
	a.engine.Start(ctx)

	m := status.New(ctx, a.engine, a.signal, keys.DefaultKeyMap())
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fail(stderr, err)
	}
	return 0
}
