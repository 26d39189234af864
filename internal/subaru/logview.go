package subaru

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/ulikunitz/xz"
	"golang.org/x/term"
)

// showInstallLog decompresses the install log for name into $PAGER,
// falling back to plain stdout.
func showInstallLog(ctx *BuildContext, name string) error {
	logPath := filepath.Join(ctx.LogDir(), name+".log.xz")
	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("no install log found for package %s", name)
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read compressed log: %w", err)
	}

	pager := os.Getenv("PAGER")
	var args []string
	if pager == "" || pager == "less" {
		pager = "less"
		args = []string{"-r"}
	}

	cmd := exec.Command(pager, args...)
	cmd.Stdin = xr
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if _, serr := f.Seek(0, 0); serr != nil {
			return serr
		}
		xr, err = xz.NewReader(f)
		if err != nil {
			return err
		}
		_, err = io.Copy(os.Stdout, xr)
		return err
	}
	return nil
}

// runLogBrowser shows an interactive table of installed packages; Enter
// opens the selected package's install log in a scrollable view.
func runLogBrowser(ctx *BuildContext, index *InstalledIndex) error {
	entries, err := index.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		colWarn.Println("No packages installed")
		return nil
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		for _, e := range entries {
			fmt.Printf("%s %s %s\n", e.Name, e.Version, e.Installed.Format("2006-01-02"))
		}
		return nil
	}

	app := tview.NewApplication()

	table := tview.NewTable().SetSelectable(true, false)
	table.SetBorder(true).SetTitle(" installed packages ")
	for col, h := range []string{"NAME", "VERSION", "INSTALLED"} {
		table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1))
	}
	for i, e := range entries {
		table.SetCell(i+1, 0, tview.NewTableCell(e.Name).SetExpansion(1))
		table.SetCell(i+1, 1, tview.NewTableCell(e.Version).SetExpansion(1))
		table.SetCell(i+1, 2, tview.NewTableCell(e.Installed.Format("2006-01-02 15:04")).SetExpansion(1))
	}

	logView := tview.NewTextView().SetScrollable(true).SetWrap(false)
	logView.SetBorder(true)

	pages := tview.NewPages().AddPage("table", table, true, true)

	table.SetSelectedFunc(func(row, col int) {
		if row == 0 {
			return
		}
		name := entries[row-1].Name
		text, err := readInstallLog(ctx, name)
		if err != nil {
			text = fmt.Sprintf("no install log for %s", name)
		}
		logView.SetTitle(" " + name + " ")
		logView.SetText(text)
		logView.ScrollToBeginning()
		pages.AddPage("log", logView, true, true)
		app.SetFocus(logView)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc:
			if pages.HasPage("log") && logView.HasFocus() {
				pages.RemovePage("log")
				app.SetFocus(table)
				return nil
			}
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(pages, true).SetFocus(table).Run(); err != nil {
		return fmt.Errorf("log browser failed: %w", err)
	}
	return nil
}

// readInstallLog returns the decompressed log text for name.
func readInstallLog(ctx *BuildContext, name string) (string, error) {
	f, err := os.Open(filepath.Join(ctx.LogDir(), name+".log.xz"))
	if err != nil {
		return "", err
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, xr); err != nil {
		return "", err
	}
	return sb.String(), nil
}
