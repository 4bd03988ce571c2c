//go:build windows

package printing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/orrn/printbridge/internal/core"
)

// WinSpoolBackend shells out to PowerShell: Get-Printer/Get-PrintJob for
// state, and a winspool.drv interop snippet for RAW submission. Backend ids
// are "printer:jobid" because print job ids are only unique per printer.
type WinSpoolBackend struct {
	logger *slog.Logger
}

func NewWinSpoolBackend(logger *slog.Logger) (*WinSpoolBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := exec.LookPath("powershell"); err != nil {
		return nil, fmt.Errorf("winspool backend needs powershell on PATH: %w", err)
	}
	return &WinSpoolBackend{logger: logger}, nil
}

func (b *WinSpoolBackend) Name() string { return "winspool" }

const listPrintersScript = `$ErrorActionPreference = "Stop"
Get-Printer | Select-Object Name,DriverName,Location,Comment,PrinterStatus,WorkOffline | ConvertTo-Json -Compress
`

// MSFT_Printer.PrinterStatus values.
const (
	winPrinterNormal          = 0
	winPrinterPaused          = 1
	winPrinterError           = 2
	winPrinterPendingDeletion = 3
	winPrinterOffline         = 8
	winPrinterBusy            = 10
	winPrinterPrinting        = 11
	winPrinterProcessing      = 15
)

type winPrinter struct {
	Name          string `json:"Name"`
	DriverName    string `json:"DriverName"`
	Location      string `json:"Location"`
	Comment       string `json:"Comment"`
	PrinterStatus int    `json:"PrinterStatus"`
	WorkOffline   bool   `json:"WorkOffline"`
}

func (b *WinSpoolBackend) DiscoverPrinters(ctx context.Context) ([]core.Printer, error) {
	out, err := b.runScript(ctx, listPrintersScript)
	if err != nil {
		return nil, &core.BackendUnavailableError{Backend: "winspool", Cause: err}
	}

	raw := bytes.TrimSpace(out)
	if len(raw) == 0 {
		return nil, nil
	}

	// ConvertTo-Json emits a bare object for a single printer.
	var entries []winPrinter
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parse printer list: %w", err)
		}
	} else {
		var one winPrinter
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("parse printer list: %w", err)
		}
		entries = []winPrinter{one}
	}

	printers := make([]core.Printer, 0, len(entries))
	for _, e := range entries {
		state, available := winPrinterState(e)
		printers = append(printers, core.Printer{
			Name:        e.Name,
			Description: e.DriverName,
			Location:    strings.TrimSpace(e.Location + " " + e.Comment),
			State:       state,
			Available:   available,
		})
	}
	return printers, nil
}

func winPrinterState(e winPrinter) (string, bool) {
	if e.WorkOffline || e.PrinterStatus == winPrinterOffline {
		return core.PrinterStateOffline, false
	}
	switch e.PrinterStatus {
	case winPrinterBusy, winPrinterPrinting, winPrinterProcessing:
		return core.PrinterStatePrinting, true
	case winPrinterPaused:
		return core.PrinterStateStopped, true
	case winPrinterError, winPrinterPendingDeletion:
		return core.PrinterStateStopped, false
	}
	return core.PrinterStateIdle, true
}

const rawPrintScript = `param([string]$Printer,[string]$Path,[string]$DocName,[int]$Copies)
$ErrorActionPreference = "Stop"
Add-Type -TypeDefinition @'
using System;
using System.IO;
using System.Runtime.InteropServices;
public static class RawSpool {
    [StructLayout(LayoutKind.Sequential, CharSet = CharSet.Unicode)]
    public struct DOCINFOW {
        [MarshalAs(UnmanagedType.LPWStr)] public string pDocName;
        [MarshalAs(UnmanagedType.LPWStr)] public string pOutputFile;
        [MarshalAs(UnmanagedType.LPWStr)] public string pDataType;
    }
    [DllImport("winspool.Drv", EntryPoint = "OpenPrinterW", SetLastError = true, CharSet = CharSet.Unicode)]
    public static extern bool OpenPrinter(string printer, out IntPtr handle, IntPtr defaults);
    [DllImport("winspool.Drv", SetLastError = true)]
    public static extern bool ClosePrinter(IntPtr handle);
    [DllImport("winspool.Drv", EntryPoint = "StartDocPrinterW", SetLastError = true, CharSet = CharSet.Unicode)]
    public static extern int StartDocPrinter(IntPtr handle, int level, ref DOCINFOW docInfo);
    [DllImport("winspool.Drv", SetLastError = true)]
    public static extern bool EndDocPrinter(IntPtr handle);
    [DllImport("winspool.Drv", SetLastError = true)]
    public static extern bool StartPagePrinter(IntPtr handle);
    [DllImport("winspool.Drv", SetLastError = true)]
    public static extern bool EndPagePrinter(IntPtr handle);
    [DllImport("winspool.Drv", SetLastError = true)]
    public static extern bool WritePrinter(IntPtr handle, byte[] data, int count, out int written);

    public static int Send(string printer, string path, string docName, int copies) {
        byte[] data = File.ReadAllBytes(path);
        IntPtr handle;
        if (!OpenPrinter(printer, out handle, IntPtr.Zero))
            throw new IOException("OpenPrinter failed: " + Marshal.GetLastWin32Error());
        try {
            DOCINFOW di = new DOCINFOW { pDocName = docName, pDataType = "RAW" };
            int jobId = StartDocPrinter(handle, 1, ref di);
            if (jobId == 0)
                throw new IOException("StartDocPrinter failed: " + Marshal.GetLastWin32Error());
            for (int i = 0; i < copies; i++) {
                if (!StartPagePrinter(handle))
                    throw new IOException("StartPagePrinter failed: " + Marshal.GetLastWin32Error());
                int written;
                if (!WritePrinter(handle, data, data.Length, out written) || written != data.Length)
                    throw new IOException("WritePrinter failed: " + Marshal.GetLastWin32Error());
                EndPagePrinter(handle);
            }
            EndDocPrinter(handle);
            return jobId;
        } finally {
            ClosePrinter(handle);
        }
    }
}
'@
[Console]::Out.Write([RawSpool]::Send($Printer, $Path, $DocName, $Copies))
`

func (b *WinSpoolBackend) Submit(ctx context.Context, job *core.Job) (string, error) {
	tmp, err := os.CreateTemp("", "printbridge-*.raw")
	if err != nil {
		return "", fmt.Errorf("spool temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(job.Document); err != nil {
		tmp.Close()
		return "", fmt.Errorf("spool temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("spool temp file: %w", err)
	}

	copies := job.Copies
	if copies < 1 {
		copies = 1
	}

	out, err := b.runScript(ctx, rawPrintScript,
		"-Printer", job.PrinterName,
		"-Path", tmp.Name(),
		"-DocName", job.DocumentName,
		"-Copies", strconv.Itoa(copies),
	)
	if err != nil {
		if strings.Contains(err.Error(), "OpenPrinter failed") {
			return "", &core.PrinterOfflineError{Printer: job.PrinterName, Cause: err}
		}
		return "", &core.BackendUnavailableError{Backend: "winspool", Cause: err}
	}

	jobID := strings.TrimSpace(string(out))
	if jobID == "" {
		return "", nil
	}
	return job.PrinterName + ":" + jobID, nil
}

const jobStatusScript = `param([string]$Printer,[int]$Id)
$ErrorActionPreference = "Stop"
$job = Get-PrintJob -PrinterName $Printer -ID $Id -ErrorAction SilentlyContinue
if ($null -eq $job) { [Console]::Out.Write("gone"); exit 0 }
[Console]::Out.Write([string]$job.JobStatus)
`

func (b *WinSpoolBackend) QueryStatus(ctx context.Context, backendID string) (core.BackendJobState, error) {
	printer, id, ok := strings.Cut(backendID, ":")
	if !ok {
		return core.BackendJobUnknown, fmt.Errorf("malformed winspool job id %q", backendID)
	}

	out, err := b.runScript(ctx, jobStatusScript, "-Printer", printer, "-Id", id)
	if err != nil {
		return core.BackendJobUnknown, &core.BackendUnavailableError{Backend: "winspool", Cause: err}
	}

	status := strings.TrimSpace(string(out))
	switch {
	case status == "gone", strings.Contains(status, "Printed"), strings.Contains(status, "Complete"):
		// A job that has left the queue was delivered.
		return core.BackendJobCompleted, nil
	case strings.Contains(status, "Deleted"), strings.Contains(status, "Deleting"):
		return core.BackendJobCanceled, nil
	case strings.Contains(status, "Error"), strings.Contains(status, "Blocked"), strings.Contains(status, "UserIntervention"):
		return core.BackendJobAborted, nil
	case strings.Contains(status, "Printing"), strings.Contains(status, "Spooling"):
		return core.BackendJobProcessing, nil
	case status != "":
		return core.BackendJobPending, nil
	}
	return core.BackendJobUnknown, nil
}

// runScript writes the script to a temp .ps1 and runs it with -File so
// named parameters reach it intact.
func (b *WinSpoolBackend) runScript(ctx context.Context, script string, args ...string) ([]byte, error) {
	f, err := os.CreateTemp("", "printbridge-*.ps1")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	cmdArgs := append([]string{
		"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
		"-File", f.Name(),
	}, args...)

	cmd := exec.CommandContext(ctx, "powershell", cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("powershell: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
