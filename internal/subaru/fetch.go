package subaru

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// downloadFile fetches url into destFile inside the shared cache,
// serialized by an exclusive flock so concurrent invocations never
// clobber a download in progress. Tries curl, then wget, then the
// native Go client.
func downloadFile(ctx *BuildContext, url, destFile string) error {
	absPath := destFile
	if !filepath.IsAbs(destFile) {
		if err := os.MkdirAll(ctx.CacheStore, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory %s: %w", ctx.CacheStore, err)
		}
		absPath = filepath.Join(ctx.CacheStore, filepath.Base(destFile))
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", absPath, err)
	}

	lockPath := absPath + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Another invocation may have finished the file while we waited.
	if _, err := os.Stat(absPath); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", absPath)
		_ = os.Remove(lockPath)
		return nil
	}
	defer func() {
		if _, err := os.Stat(absPath); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	debugf("Downloading %s -> %s\n", url, absPath)

	if _, err := exec.LookPath("curl"); err == nil {
		cmd := exec.Command("curl", "-L", "--fail", "-#", "-o", absPath, url)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err == nil {
			return nil
		}
		debugf("curl failed, falling back to wget\n")
	}

	if _, err := exec.LookPath("wget"); err == nil {
		cmd := exec.Command("wget", "-nv", "-O", absPath, url)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err == nil {
			return nil
		}
		debugf("wget failed, falling back to native Go HTTP client\n")
	}

	return downloadNative(url, absPath)
}

// downloadNative is the pure-Go fallback with a progress bar when stdout
// is a terminal.
func downloadNative(url, absPath string) error {
	client := &http.Client{Timeout: 300 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(absPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", absPath, err)
	}
	defer out.Close()

	var w io.Writer = out
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(absPath))
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return nil
}

// gitSourceName is the checkout directory name for a git+ source URL.
func gitSourceName(rawURL string) string {
	gitURL := strings.TrimPrefix(rawURL, "git+")
	if idx := strings.Index(gitURL, "#"); idx != -1 {
		gitURL = gitURL[:idx]
	}
	parts := strings.Split(strings.TrimSuffix(gitURL, ".git"), "/")
	return parts[len(parts)-1]
}

// fetchGit clones or updates a git+ source into the package's source dir.
func fetchGit(rawURL, pkgLinkDir string) (string, error) {
	gitURL := strings.TrimPrefix(rawURL, "git+")
	ref := ""
	if strings.Contains(gitURL, "#") {
		parts := strings.SplitN(gitURL, "#", 2)
		gitURL = parts[0]
		ref = parts[1]
	}
	destPath := filepath.Join(pkgLinkDir, gitSourceName(rawURL))

	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		cPrintf(colInfo, "Cloning git repository %s into %s\n", gitURL, destPath)
		cmd := exec.Command("git", "clone", gitURL, destPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("git clone failed: %v", err)
		}
	} else if ref == "" {
		cmd := exec.Command("git", "-C", destPath, "pull")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Run()
	}
	if ref != "" {
		exec.Command("git", "-C", destPath, "config", "advice.detachedHead", "false").Run()
		cmd := exec.Command("git", "-C", destPath, "checkout", ref)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("git checkout %s failed: %v", ref, err)
		}
	}
	return destPath, nil
}

// fetchSources acquires every source of the recipe into the shared cache
// and symlinks them into SourcesDir/<name>. Local sources (files/ prefix)
// resolve relative to the recipe directory and are not cached.
func fetchSources(ctx *BuildContext, r *Recipe) error {
	pkgLinkDir := filepath.Join(ctx.SourcesDir, r.Name)
	if err := os.MkdirAll(pkgLinkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create pkg source dir: %v", err)
	}
	if err := os.MkdirAll(ctx.CacheStore, 0o755); err != nil {
		return fmt.Errorf("failed to create _cache dir: %v", err)
	}

	for _, src := range r.Sources() {
		switch {
		case strings.HasPrefix(src, "files/"):
			// Local file shipped with the recipe; linked, never downloaded.
			local := filepath.Join(r.Dir, src)
			if _, err := os.Stat(local); err != nil {
				return &FetchError{Source: src, Err: err}
			}
			if err := replaceSymlink(local, filepath.Join(pkgLinkDir, filepath.Base(src))); err != nil {
				return err
			}

		case strings.HasPrefix(src, "git+"):
			if _, err := fetchGit(src, pkgLinkDir); err != nil {
				return &FetchError{Source: src, Err: err}
			}

		case strings.HasPrefix(src, "http://"),
			strings.HasPrefix(src, "https://"),
			strings.HasPrefix(src, "ftp://"):
			url := src
			if ctx.Mirror != "" {
				url = ctx.Mirror + "/" + filepath.Base(src)
			}
			origFilename := filepath.Base(src)
			// Version-aware cache key: bumping the recipe version busts
			// the cache even for static URLs.
			hashName := fmt.Sprintf("%s-%s", hashString(src+r.Version), origFilename)
			cachePath := filepath.Join(ctx.CacheStore, hashName)

			if _, err := os.Stat(cachePath); os.IsNotExist(err) {
				colArrow.Print("-> ")
				colSuccess.Printf("Fetching source: %s\n", origFilename)
				if err := downloadFile(ctx, url, cachePath); err != nil {
					if ctx.Mirror != "" && url != src {
						debugf("mirror fetch failed, retrying upstream %s\n", src)
						err = downloadFile(ctx, src, cachePath)
					}
					if err != nil {
						return &FetchError{Source: src, Err: err}
					}
				}
			} else {
				debugf("Already in cache: %s\n", cachePath)
			}

			if err := replaceSymlink(cachePath, filepath.Join(pkgLinkDir, origFilename)); err != nil {
				return err
			}

		default:
			return &FetchError{Source: src, Err: fmt.Errorf("unsupported location scheme")}
		}
	}
	return nil
}

// replaceSymlink atomically points linkPath at target via a temp link and
// rename, so overlapping fetches never hit "file exists".
func replaceSymlink(target, linkPath string) error {
	tmpLinkPath := fmt.Sprintf("%s.tmp.%d", linkPath, time.Now().UnixNano())
	if err := os.Symlink(target, tmpLinkPath); err != nil {
		return fmt.Errorf("failed to create temp symlink: %v", err)
	}
	if err := os.Rename(tmpLinkPath, linkPath); err != nil {
		os.Remove(tmpLinkPath)
		return fmt.Errorf("failed to symlink %s -> %s: %v", target, linkPath, err)
	}
	return nil
}
