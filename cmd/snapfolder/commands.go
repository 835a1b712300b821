package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/snapfolder/internal/config"
	"github.com/fruitsalade/snapfolder/pkg/credential"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/storage"
)

// withApp wires the engine around run and tears it down afterwards.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [folder-address]",
		Short: "List your files and folders, or the contents of one folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var dir *models.Address
			if len(args) == 1 {
				addr, err := storage.ParseAddress(args[0])
				if err != nil {
					return err
				}
				dir = &addr
			}
			entries, err := a.vault.ListFolder(cmd.Context(), dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, renderListing(entries, dir == nil))
			return nil
		}),
	}
}

func putCmd() *cobra.Command {
	var (
		encrypt bool
		name    string
	)

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a standalone file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			addr, err := a.vault.UploadStandalone(cmd.Context(), data, name, encrypt)
			if err != nil {
				return err
			}
			printAddress(a.out, "Uploaded", name, addr)
			return nil
		}),
	}

	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "encrypt before upload")
	cmd.Flags().StringVar(&name, "name", "", "display name (default the file name)")
	return cmd
}

func getCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <address>",
		Short: "Download a standalone file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			addr, err := storage.ParseAddress(args[0])
			if err != nil {
				return err
			}
			stop := a.watchProgress()
			data, err := a.vault.DownloadStandalone(cmd.Context(), addr)
			stop()
			if err != nil {
				return err
			}
			return writeOutput(a.out, output, data)
		}),
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func catCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "cat <folder-address> <path>",
		Short: "Download one file of a folder",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			addr, err := storage.ParseAddress(args[0])
			if err != nil {
				return err
			}
			stop := a.watchProgress()
			data, err := a.vault.DownloadMember(cmd.Context(), addr, args[1])
			stop()
			if err != nil {
				return err
			}
			return writeOutput(a.out, output, data)
		}),
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func mkdirCmd() *cobra.Command {
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "mkdir <name> [paths...]",
		Short: "Create a folder, optionally seeded with local files",
		Long: `Create a folder from local files and directories. Directories are
added recursively with paths relative to the directory. With no paths the
folder starts empty.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			files, err := collectFiles(a.errOut, args[1:])
			if err != nil {
				return err
			}
			addr, err := a.vault.CreateFolder(cmd.Context(), args[0], files, encrypt)
			if err != nil {
				return err
			}
			printAddress(a.out, "Created", args[0], addr)
			return nil
		}),
	}

	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "encrypt each file before upload")
	return cmd
}

func addCmd() *cobra.Command {
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "add <folder-address> <paths...>",
		Short: "Add local files to a folder",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			addr, err := storage.ParseAddress(args[0])
			if err != nil {
				return err
			}
			files, err := collectFiles(a.errOut, args[1:])
			if err != nil {
				return err
			}
			next, err := a.vault.AddFiles(cmd.Context(), addr, files, encrypt)
			if err != nil {
				return err
			}
			printAddress(a.out, "Folder is now", "", next)
			return nil
		}),
	}

	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "encrypt each file before upload")
	return cmd
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <folder-address> <path>",
		Short: "Remove one file from a folder",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			addr, err := storage.ParseAddress(args[0])
			if err != nil {
				return err
			}
			next, err := a.vault.RemoveFile(cmd.Context(), addr, args[1])
			if err != nil {
				return err
			}
			printAddress(a.out, "Folder is now", "", next)
			return nil
		}),
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <address>",
		Short: "Release a file or folder from storage and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			addr, err := storage.ParseAddress(args[0])
			if err != nil {
				return err
			}
			if err := a.vault.Delete(cmd.Context(), addr); err != nil {
				return err
			}
			fmt.Fprintln(a.out, successStyle.Render("Deleted ")+addressStyle.Render(addr.String()))
			return nil
		}),
	}
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <address> <name>",
		Short: "Change the display name of a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			addr, err := storage.ParseAddress(args[0])
			if err != nil {
				return err
			}
			if err := a.vault.Rename(cmd.Context(), addr, args[1]); err != nil {
				return err
			}
			printAddress(a.out, "Renamed", args[1], addr)
			return nil
		}),
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [token]",
		Short: "Save a relay token for later commands",
		Long: `Save a bearer token issued by the relay ("snapfolder-relay token").
Without an argument the token is read from the terminal.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadClient()
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}

			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				raw, err := getToken(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				token = strings.TrimSpace(string(raw))
			}

			cred := credential.Credential{Bearer: token}
			if !cred.Usable() {
				return fmt.Errorf("token is empty or expired")
			}
			tf := &credential.TokenFileData{
				Token:     token,
				ExpiresAt: cred.Expiry(),
				Server:    cfg.RelayURL,
				Owner:     cred.Subject(),
			}
			if err := credential.SaveTokenFile(cfg.TokenFile, tf); err != nil {
				return fmt.Errorf("save token: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successStyle.Render("Token saved to ")+cfg.TokenFile)
			if tf.Owner != "" {
				fmt.Fprintf(out, "  owner:   %s\n", tf.Owner)
			}
			if !tf.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "  expires: %s\n", tf.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// collectFiles reads local paths into batch files. Directories contribute
// every regular file below them, keyed by their path inside the directory.
// Empty files cannot be stored and are skipped with a notice.
func collectFiles(warn io.Writer, paths []string) ([]storage.File, error) {
	var files []storage.File
	add := func(rel, full string) error {
		data, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			fmt.Fprintln(warn, warnStyle.Render("skipping empty file ")+full)
			return nil
		}
		files = append(files, storage.File{Path: filepath.ToSlash(rel), Data: data})
		return nil
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := add(filepath.Base(p), p); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(p, func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(p, full)
			if err != nil {
				return err
			}
			return add(rel, full)
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// writeOutput writes data to path, or to out when path is empty or "-".
func writeOutput(out io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := out.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0600)
}
