package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/nav"
	"github.com/fruitsalade/snapfolder/pkg/vault"
)

const shellHelp = `Commands:
  ls                     list the current folder (or your records at ~)
  cd <name|address>      open a folder from ~
  cd .. | cd ~ | cd <n>  go up one level, to ~, or to breadcrumb n
  up [n]                 same as cd .. or cd <n>
  pwd                    show the breadcrumb path
  mkdir <name> [paths]   create a folder from local paths
  add [-e] <paths...>    add local files to the current folder
  rm <path>              remove a file from the current folder
  cat <path>             print a file of the current folder
  get <path> <dest>      save a file of the current folder
  rename <name>          rename the current folder
  help                   show this help
  exit                   leave the shell`

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Browse and edit folders interactively",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			sh := &shell{app: a, in: bufio.NewScanner(cmd.InOrStdin())}
			return sh.run(cmd.Context())
		}),
	}
}

type shell struct {
	app *app
	in  *bufio.Scanner
}

func (s *shell) run(ctx context.Context) error {
	out := s.app.out
	fmt.Fprintln(out, mutedStyle.Render(`snapfolder shell, type "help" for commands`))
	for {
		fmt.Fprint(out, renderBreadcrumbs(s.app.vault.Breadcrumbs())+" > ")
		if !s.in.Scan() {
			fmt.Fprintln(out)
			return s.in.Err()
		}
		args, err := splitArgs(s.in.Text())
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			continue
		}
		if len(args) == 0 {
			continue
		}
		quit, err := s.exec(ctx, args)
		if quit {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(out, errorStyle.Render(errs.Describe(err)))
		}
	}
}

func (s *shell) exec(ctx context.Context, args []string) (bool, error) {
	v, out := s.app.vault, s.app.out
	switch args[0] {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(out, shellHelp)
	case "pwd":
		fmt.Fprintln(out, renderBreadcrumbs(v.Breadcrumbs()))
	case "ls":
		cur := v.Current()
		entries, err := v.ListFolder(ctx, cur)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, renderListing(entries, cur == nil))
	case "cd":
		if len(args) != 2 {
			return false, errors.New("usage: cd <name|address|..|~|n>")
		}
		return false, s.cd(ctx, args[1])
	case "up":
		switch len(args) {
		case 1:
			return false, s.cd(ctx, "..")
		case 2:
			if _, err := strconv.Atoi(args[1]); err != nil {
				return false, errors.New("usage: up [n]")
			}
			return false, s.cd(ctx, args[1])
		default:
			return false, errors.New("usage: up [n]")
		}
	case "mkdir":
		if len(args) < 2 {
			return false, errors.New("usage: mkdir <name> [paths...]")
		}
		files, err := collectFiles(s.app.errOut, args[2:])
		if err != nil {
			return false, err
		}
		addr, err := v.CreateFolder(ctx, args[1], files, false)
		if err != nil {
			return false, err
		}
		printAddress(out, "Created", args[1], addr)
	case "add":
		dir, err := s.current()
		if err != nil {
			return false, err
		}
		encrypt, paths := false, args[1:]
		if len(paths) > 0 && (paths[0] == "-e" || paths[0] == "--encrypt") {
			encrypt, paths = true, paths[1:]
		}
		if len(paths) == 0 {
			return false, errors.New("usage: add [-e] <paths...>")
		}
		files, err := collectFiles(s.app.errOut, paths)
		if err != nil {
			return false, err
		}
		next, err := v.AddFiles(ctx, dir, files, encrypt)
		if err != nil {
			return false, err
		}
		printAddress(out, "Folder is now", "", next)
	case "rm":
		dir, err := s.current()
		if err != nil {
			return false, err
		}
		if len(args) != 2 {
			return false, errors.New("usage: rm <path>")
		}
		next, err := v.RemoveFile(ctx, dir, args[1])
		if err != nil {
			return false, err
		}
		printAddress(out, "Folder is now", "", next)
	case "cat", "get":
		dir, err := s.current()
		if err != nil {
			return false, err
		}
		dest := ""
		if args[0] == "get" {
			if len(args) != 3 {
				return false, errors.New("usage: get <path> <dest>")
			}
			dest = args[2]
		} else if len(args) != 2 {
			return false, errors.New("usage: cat <path>")
		}
		stop := s.app.watchProgress()
		data, err := v.DownloadMember(ctx, dir, args[1])
		stop()
		if err != nil {
			return false, err
		}
		if err := writeOutput(out, dest, data); err != nil {
			return false, err
		}
		if dest == "" && len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Fprintln(out)
		}
	case "rename":
		dir, err := s.current()
		if err != nil {
			return false, err
		}
		if len(args) != 2 {
			return false, errors.New("usage: rename <name>")
		}
		return false, v.Rename(ctx, dir, args[1])
	default:
		return false, fmt.Errorf("unknown command %q, try help", args[0])
	}
	return false, nil
}

// current returns the open folder or an error at the root.
func (s *shell) current() (models.Address, error) {
	cur := s.app.vault.Current()
	if cur == nil {
		return "", errors.New("open a folder first (cd <name>)")
	}
	return *cur, nil
}

func (s *shell) cd(ctx context.Context, target string) error {
	v := s.app.vault
	switch target {
	case "~", "/":
		v.Up(nav.Root)
		return nil
	case "..":
		v.Up(len(v.Breadcrumbs()) - 2)
		return nil
	}
	if n, err := strconv.Atoi(target); err == nil {
		if n < 0 || n >= len(v.Breadcrumbs()) {
			return fmt.Errorf("no breadcrumb %d", n)
		}
		v.Up(n)
		return nil
	}

	if v.Current() != nil {
		return errors.New("folders hold only files, cd .. first")
	}
	entries, err := v.ListFolder(ctx, nil)
	if err != nil {
		return err
	}
	addr, err := resolveFolder(entries, target)
	if err != nil {
		return err
	}
	return v.Enter(ctx, addr)
}

// resolveFolder finds a root folder by address or unique display name.
func resolveFolder(entries []models.DirectoryMember, target string) (models.Address, error) {
	var matches []models.Address
	for _, e := range entries {
		if e.ContentKind != vault.DirectoryKind {
			continue
		}
		if e.RelativePath == target {
			return models.Address(e.RelativePath), nil
		}
		if e.DisplayName == target {
			matches = append(matches, models.Address(e.RelativePath))
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("cd %s: %w", target, errs.ErrDirectoryNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%d folders are named %q, use the address", len(matches), target)
	}
}

// splitArgs splits a shell line on spaces, honoring double quotes.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case (r == ' ' || r == '\t') && !quoted:
			if pending {
				args = append(args, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if pending {
		args = append(args, cur.String())
	}
	return args, nil
}
