package subaru

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

// Pipeline drives the recursive build/install sequence. A fresh Pipeline
// is created per top-level command; visited spans the whole recursion so
// shared dependencies are built exactly once.
type Pipeline struct {
	ctx   *BuildContext
	store *Store
	index *InstalledIndex
	user  *Executor
	root  *Executor

	visited map[string]bool
}

func NewPipeline(ctx *BuildContext, store *Store, index *InstalledIndex, user, root *Executor) *Pipeline {
	return &Pipeline{
		ctx:     ctx,
		store:   store,
		index:   index,
		user:    user,
		root:    root,
		visited: make(map[string]bool),
	}
}

// Install builds and installs the package named by ref plus its missing
// dependencies, depth-first. The first failing step aborts the whole
// call; packages completed before the failure stay installed.
func (p *Pipeline) Install(ref string) error {
	r, err := FindRecipe(p.ctx, ref)
	if err != nil {
		return err
	}
	return p.install(r)
}

func (p *Pipeline) install(r *Recipe) error {
	if p.visited[r.Name] {
		debugf("Already handled %s in this run, skipping\n", r.Name)
		return nil
	}
	p.visited[r.Name] = true

	if entry, ok, err := p.index.Lookup(r.Name); err != nil {
		return err
	} else if ok {
		colArrow.Print("-> ")
		colNote.Printf("%s %s is already installed\n", entry.Name, entry.Version)
		return nil
	}

	for _, dep := range r.Depends {
		if p.visited[dep] {
			continue
		}
		if _, ok, err := p.index.Lookup(dep); err != nil {
			return err
		} else if ok {
			debugf("Dependency %s already installed\n", dep)
			continue
		}
		depRecipe, err := FindRecipe(p.ctx, dep)
		if err != nil {
			return &UnresolvedDependencyError{Package: r.Name, Dependency: dep}
		}
		if err := p.install(depRecipe); err != nil {
			return err
		}
	}

	srcDir, err := p.prepare(r)
	if err != nil {
		return err
	}
	if err := p.build(r, srcDir); err != nil {
		return fmt.Errorf("build of %s failed: %w", r.Name, err)
	}
	if err := p.fakeInstall(r, srcDir); err != nil {
		return fmt.Errorf("install of %s failed: %w", r.Name, err)
	}
	files, err := p.record(r)
	if err != nil {
		return err
	}
	if err := p.packageUp(r, files); err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Installed %s %s\n", r.Name, r.Version)
	return nil
}

// looksLikeArchive reports whether name has a known archive suffix.
func looksLikeArchive(name string) bool {
	for _, suf := range []string{".tar.gz", ".tgz", ".tar.bz2", ".tar.xz", ".tar.zst", ".tar", ".zip"} {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// prepare fetches and verifies sources, then lays out a clean build tree
// at BuildDir/<name>/<PKGDIR> and applies patches in recipe order.
func (p *Pipeline) prepare(r *Recipe) (string, error) {
	colArrow.Print("-> ")
	colSuccess.Printf("Preparing %s-%s\n", r.Name, r.Version)

	if err := fetchSources(p.ctx, r); err != nil {
		return "", err
	}

	if err := verifyChecksums(p.ctx, r); err != nil {
		return "", err
	}

	pkgBuildRoot := filepath.Join(p.ctx.BuildDir, r.Name)
	if err := os.RemoveAll(pkgBuildRoot); err != nil {
		return "", fmt.Errorf("failed to clean build dir: %w", err)
	}
	extractDir := filepath.Join(pkgBuildRoot, r.PkgDir)
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", err
	}

	pkgLinkDir := filepath.Join(p.ctx.SourcesDir, r.Name)
	for i, src := range r.Sources() {
		if strings.HasPrefix(src, "git+") {
			cloneDir := filepath.Join(pkgLinkDir, gitSourceName(src))
			cpCmd := exec.Command("cp", "-a", cloneDir+"/.", extractDir)
			if err := p.user.Run(cpCmd); err != nil {
				return "", fmt.Errorf("failed to copy git source %s: %w", src, err)
			}
			continue
		}

		local := filepath.Join(pkgLinkDir, filepath.Base(src))
		info, err := os.Stat(local)
		if err != nil {
			return "", &FetchError{Source: src, Err: err}
		}

		switch {
		case info.IsDir():
			cpCmd := exec.Command("cp", "-a", local+"/.", extractDir)
			if err := p.user.Run(cpCmd); err != nil {
				return "", fmt.Errorf("failed to copy source dir %s: %w", src, err)
			}
		case i == 0 || looksLikeArchive(local):
			// The primary SOURCE must be an archive we understand.
			if err := extractSource(local, extractDir); err != nil {
				return "", err
			}
		default:
			// Plain extra files are dropped into the build tree as-is.
			data, err := os.ReadFile(local)
			if err != nil {
				return "", err
			}
			if err := os.WriteFile(filepath.Join(extractDir, filepath.Base(local)), data, info.Mode().Perm()); err != nil {
				return "", err
			}
		}
	}

	for _, patch := range r.Patches {
		patchPath := patch
		if !filepath.IsAbs(patchPath) {
			patchPath = filepath.Join(r.Dir, patch)
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Applying patch %s\n", filepath.Base(patch))
		patchCmd := exec.Command("patch", "-p1", "-i", patchPath)
		patchCmd.Dir = extractDir
		if err := p.user.Run(patchCmd); err != nil {
			return "", fmt.Errorf("patch %s failed: %w", patch, err)
		}
	}

	return extractDir, nil
}

func (p *Pipeline) buildEnv(r *Recipe) []string {
	return append(os.Environ(),
		"DESTDIR="+p.ctx.StagingDir,
		"PKG_NAME="+r.Name,
		"PKG_VERSION="+r.Version,
	)
}

// build runs the recipe's BUILD text in the extracted tree.
func (p *Pipeline) build(r *Recipe, srcDir string) error {
	colArrow.Print("-> ")
	colSuccess.Printf("Building %s-%s\n", r.Name, r.Version)

	cmd := exec.Command("sh", "-ec", r.BuildCmd)
	cmd.Dir = srcDir
	cmd.Env = p.buildEnv(r)
	return p.user.Run(cmd)
}

// fakeInstall clears the staging root, runs INSTALL against it as root,
// and relocates conventional usr/bin output into the canonical bin dir.
func (p *Pipeline) fakeInstall(r *Recipe, srcDir string) error {
	colArrow.Print("-> ")
	colSuccess.Printf("Installing %s-%s into staging\n", r.Name, r.Version)

	if err := os.RemoveAll(p.ctx.StagingDir); err != nil {
		return fmt.Errorf("failed to clear staging root: %w", err)
	}
	if err := os.MkdirAll(p.ctx.StagingDir, 0o755); err != nil {
		return err
	}

	cmd := exec.Command("sh", "-ec", r.InstallCmd)
	cmd.Dir = srcDir
	cmd.Env = p.buildEnv(r)
	if err := p.root.Run(cmd); err != nil {
		return err
	}

	return p.relocateBinaries()
}

// relocateBinaries moves usr/bin contents under the staging root into
// <staging>/bin, so packages agree on one binary location.
func (p *Pipeline) relocateBinaries() error {
	usrBin := filepath.Join(p.ctx.StagingDir, "usr", "bin")
	entries, err := os.ReadDir(usrBin)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	binDir := p.ctx.StagingBinDir()
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(usrBin, e.Name())
		to := filepath.Join(binDir, e.Name())
		debugf("Relocating %s -> %s\n", from, to)
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to relocate %s: %w", e.Name(), err)
		}
	}
	// Drop the now-empty usr/bin (and usr, when nothing else used it).
	_ = os.Remove(usrBin)
	_ = os.Remove(filepath.Join(p.ctx.StagingDir, "usr"))
	return nil
}

// record snapshots the staging tree into the manifest and writes the
// xz-compressed install log.
func (p *Pipeline) record(r *Recipe) ([]string, error) {
	files, err := snapshotStaging(p.ctx.StagingDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.ctx.LogDir(), 0o755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(p.ctx.LogDir(), r.Name+".log.xz")

	var sb strings.Builder
	fmt.Fprintf(&sb, "package: %s\n", r.Name)
	fmt.Fprintf(&sb, "version: %s\n", r.Version)
	fmt.Fprintf(&sb, "source: %s\n", r.Source)
	fmt.Fprintf(&sb, "depends: %s\n", strings.Join(r.Depends, " "))
	fmt.Fprintf(&sb, "bin dir: %s\n", p.ctx.BinDir)
	fmt.Fprintf(&sb, "installed: %s\n", time.Now().UTC().Format(time.RFC3339))
	sb.WriteString("files:\n")
	for _, f := range files {
		sb.WriteString("  " + f + "\n")
	}

	out, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create install log: %w", err)
	}
	defer out.Close()
	xw, err := xz.NewWriter(out)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := xw.Write([]byte(sb.String())); err != nil {
		xw.Close()
		return nil, err
	}
	if err := xw.Close(); err != nil {
		return nil, err
	}

	return files, nil
}

// packageUp archives the staging tree, persists the descriptor forms and
// registers the package in the installed index. This stretch must not be
// interrupted by a first Ctrl+C.
func (p *Pipeline) packageUp(r *Recipe, files []string) error {
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	tarball, err := createPackageTarball(p.ctx, r.Name, r.Version, p.ctx.StagingDir, p.root)
	if err != nil {
		return fmt.Errorf("failed to package %s: %w", r.Name, err)
	}
	debugf("Created package %s\n", tarball)

	desc := &Descriptor{
		Name:         r.Name,
		Version:      r.Version,
		Source:       r.Source,
		ExtraSources: r.ExtraSources,
		Depends:      r.Depends,
		BinDir:       p.ctx.BinDir,
		SourcesDir:   filepath.Join(p.ctx.SourcesDir, r.Name),
		Files:        files,
	}
	if err := p.store.WriteDescriptor(desc); err != nil {
		return err
	}
	if err := p.index.Upsert(r.Name, r.Version); err != nil {
		return err
	}

	// The staging tree is fully captured in the tarball and manifest now;
	// leftover staged files must not outlive the install they belong to.
	if err := os.RemoveAll(p.ctx.StagingDir); err != nil {
		return fmt.Errorf("failed to clear staging root: %w", err)
	}
	return nil
}
