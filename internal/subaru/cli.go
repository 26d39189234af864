package subaru

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

func printHelp() {
	colSuccess.Println("Usage: subaru <command> [arguments]")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"install, i", "<recipe>...", "Build and install package(s) with their dependencies"},
		{"remove, r", "<pkg>", "Remove an installed package"},
		{"resolve-deps", "<pkg>...", "Print dependency-ordered install list"},
		{"list, ls", "[pkg]", "List installed packages, optionally filter by name"},
		{"manifest, m", "<pkg>", "Show the file list for an installed package"},
		{"checksum, c", "<recipe>...", "Fetch sources and generate checksum file"},
		{"log", "[pkg]", "Show an install log, or browse all logs"},
		{"upload", "[pkg...]", "Upload built packages to the configured mirror"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		usage := "  " + c.Cmd
		if c.Args != "" {
			usage += " " + c.Args
		}
		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}
		pad := columnWidth - len(usage)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint for cmd/subaru.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					colArrow.Print("\n-> ")
					colError.Printf("Critical operation in progress. Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel()
					time.Sleep(100 * time.Millisecond)
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", ConfigFile, err)
	}
	bctx := NewBuildContext(cfg)

	UserExec = &Executor{Context: ctx, ShouldRunAsRoot: false}
	RootExec = &Executor{Context: ctx, ShouldRunAsRoot: true}

	store := NewStore(bctx)
	index := NewInstalledIndex(bctx)

	exitCode := 0
	switch os.Args[1] {

	case "version", "--version":
		fmt.Printf("subaru %s (%s) built %s\n", version, arch, buildDate)

	case "resolve-deps":
		fs := flag.NewFlagSet("resolve-deps", flag.ExitOnError)
		fs.Parse(os.Args[2:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "Usage: subaru resolve-deps <pkg>...")
			exitCode = 1
			break
		}
		resolver := NewResolver(store)
		order, warnings, err := resolver.Resolve(fs.Args())
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		for _, name := range order {
			fmt.Println(name)
		}

	case "install", "i":
		fs := flag.NewFlagSet("install", flag.ExitOnError)
		fs.Parse(os.Args[2:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "Usage: subaru install <recipe>...")
			exitCode = 1
			break
		}
		pipeline := NewPipeline(bctx, store, index, UserExec, RootExec)
		for _, ref := range fs.Args() {
			if err := pipeline.Install(ref); err != nil {
				colArrow.Print("-> ")
				colError.Printf("%v\n", err)
				exitCode = 1
				break
			}
		}

	case "remove", "r", "uninstall":
		fs := flag.NewFlagSet("remove", flag.ExitOnError)
		yes := fs.Bool("y", false, "do not ask for confirmation")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: subaru remove [-y] <pkg>")
			exitCode = 1
			break
		}
		name := fs.Arg(0)
		if !*yes && !askForConfirmation(colInfo, "Remove package '%s'?", name) {
			break
		}
		remover := NewRemover(bctx, store, index)
		report, err := remover.Remove(name)
		if report != nil {
			for _, w := range report.Warnings {
				fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
			}
			for _, p := range report.Deleted {
				debugf("Deleted %s\n", p)
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		if !report.Known {
			fmt.Fprintf(os.Stderr, "Warning: package %s was not known\n", name)
			exitCode = 1
			break
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Removed %s (%d file(s))\n", name, len(report.Deleted))

	case "list", "ls":
		entries, err := index.Entries()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		filter := ""
		if len(os.Args) > 2 {
			filter = os.Args[2]
		}
		for _, e := range entries {
			if filter != "" && !strings.Contains(e.Name, filter) {
				continue
			}
			fmt.Printf("%s %s %s\n", e.Name, e.Version, e.Installed.Format("2006-01-02"))
		}

	case "manifest", "m":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "Usage: subaru manifest <pkg>")
			exitCode = 1
			break
		}
		name := os.Args[2]
		desc, err := store.LookupLatest(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		if desc == nil {
			fmt.Fprintf(os.Stderr, "No metadata for package %s\n", name)
			exitCode = 1
			break
		}
		paths, err := store.Manifest(desc.Name, desc.Version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		for _, p := range paths {
			fmt.Println(p)
		}

	case "checksum", "c":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: subaru checksum <recipe>...")
			exitCode = 1
			break
		}
		for _, ref := range os.Args[2:] {
			r, err := FindRecipe(bctx, ref)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exitCode = 1
				break
			}
			if err := generateChecksums(bctx, r); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exitCode = 1
				break
			}
		}

	case "log":
		if len(os.Args) > 2 {
			if err := showInstallLog(bctx, os.Args[2]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exitCode = 1
			}
		} else {
			if err := runLogBrowser(bctx, index); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exitCode = 1
			}
		}

	case "upload":
		if err := uploadPackages(bctx, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		}

	case "help", "--help", "-h":
		printHelp()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printHelp()
		exitCode = 1
	}

	cancel()
	os.Exit(exitCode)
}
