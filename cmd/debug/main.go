package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/thatsimonsguy/outlet-controller/db"
	"github.com/thatsimonsguy/outlet-controller/internal/config"
	"github.com/thatsimonsguy/outlet-controller/internal/energy"
	"github.com/thatsimonsguy/outlet-controller/internal/env"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
	"github.com/thatsimonsguy/outlet-controller/internal/schedule"
	"github.com/thatsimonsguy/outlet-controller/internal/store"
	"github.com/thatsimonsguy/outlet-controller/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, configPath, command, outlet, state, prefix, month string
	flag.StringVar(&dbPath, "db", "data/outlets.db", "Path to the SQLite node store")
	flag.StringVar(&configPath, "config", "", "Controller config file (install-service)")
	flag.StringVar(&command, "cmd", "", "Command to run: show-device, set-control, set-bypass, clear-unplug, monthly-energy, install-service, dump, remove")
	flag.StringVar(&outlet, "outlet", "", "Outlet key, e.g. Outlet_1")
	flag.StringVar(&state, "state", "", "on/off for set-control and set-bypass")
	flag.StringVar(&prefix, "prefix", "", "Store path for dump and remove")
	flag.StringVar(&month, "month", "", "Month for monthly-energy as YYYY-MM (default current)")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of outlet-debug:")
		fmt.Println("  -db string\tPath to the SQLite node store (default 'data/outlets.db')")
		fmt.Println("  -config string\tController config file, used by install-service")
		fmt.Println("  -cmd string\tCommand to run: show-device, set-control, set-bypass, clear-unplug, monthly-energy, install-service, dump, remove")
		fmt.Println("  -outlet string\tOutlet key for device commands")
		fmt.Println("  -state string\ton or off")
		fmt.Println("  -prefix string\tStore path for dump and remove")
		fmt.Println("  -month string\tYYYY-MM for monthly-energy")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	needsOutlet := map[string]bool{
		"show-device": true, "set-control": true, "set-bypass": true, "clear-unplug": true, "monthly-energy": true,
	}
	if needsOutlet[command] && outlet == "" {
		fmt.Println("Error: outlet is required")
		os.Exit(1)
	}

	var err error
	switch command {
	case "show-device":
		err = withRepo(dbPath, func(ctx context.Context, repo *repository.Repository) error {
			return showDevice(ctx, repo, outlet)
		})
	case "set-control":
		err = withRepo(dbPath, func(ctx context.Context, repo *repository.Repository) error {
			return setControl(ctx, repo, outlet, state)
		})
	case "set-bypass":
		err = withRepo(dbPath, func(ctx context.Context, repo *repository.Repository) error {
			return setBypass(ctx, repo, outlet, state)
		})
	case "clear-unplug":
		err = withRepo(dbPath, func(ctx context.Context, repo *repository.Repository) error {
			return clearUnplug(ctx, repo, outlet)
		})
	case "monthly-energy":
		err = withRepo(dbPath, func(ctx context.Context, repo *repository.Repository) error {
			return monthlyEnergy(ctx, repo, outlet, month)
		})
	case "install-service":
		err = installService(configPath)
	case "dump":
		err = db.DumpSubtreeCLI(dbPath, prefix, os.Stdout)
	case "remove":
		if prefix == "" {
			fmt.Println("Error: prefix is required")
			os.Exit(1)
		}
		err = db.RemoveSubtreeCLI(dbPath, prefix)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func withRepo(dbPath string, fn func(context.Context, *repository.Repository) error) error {
	conn, err := db.Open(db.DriverSQLite, dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(context.Background(), repository.New(store.NewSQLStore(conn)))
}

func parseState(s string) (model.ControlState, error) {
	switch model.ControlState(s) {
	case model.ControlOn, model.ControlOff:
		return model.ControlState(s), nil
	default:
		return "", fmt.Errorf("state must be on or off, got %q", s)
	}
}

// The device helpers refuse unknown outlets so a typo never creates a devices/<typo> node.

func setControl(ctx context.Context, repo *repository.Repository, key, state string) error {
	s, err := parseState(state)
	if err != nil {
		return err
	}
	if _, err := repo.GetDevice(ctx, key); err != nil {
		return err
	}
	return repo.SetControlState(ctx, key, s)
}

func setBypass(ctx context.Context, repo *repository.Repository, key, state string) error {
	s, err := parseState(state)
	if err != nil {
		return err
	}
	d, err := repo.GetDevice(ctx, key)
	if err != nil {
		return err
	}
	if s == model.ControlOff {
		return repo.SetMainStatus(ctx, key, model.MainOff)
	}
	if d.Unplugged() {
		return fmt.Errorf("%s is unplugged; clear-unplug it first", key)
	}
	return repo.SetMainStatus(ctx, key, model.MainOn)
}

func clearUnplug(ctx context.Context, repo *repository.Repository, key string) error {
	if _, err := repo.GetDevice(ctx, key); err != nil {
		return err
	}
	if err := repo.SetScheduleUnplugFlag(ctx, key, false, 0); err != nil {
		return err
	}
	return repo.SetRootStatus(ctx, key, model.StatusOff)
}

func showDevice(ctx context.Context, repo *repository.Repository, key string) error {
	d, err := repo.GetDevice(ctx, key)
	if err != nil {
		return err
	}
	now := time.Now()
	fmt.Printf("outlet:      %s\n", d.OutletKey)
	fmt.Printf("department:  %s\n", d.Department)
	fmt.Printf("control:     %s\n", d.ControlState)
	fmt.Printf("main_status: %s\n", d.MainStatus)
	fmt.Printf("status:      %s\n", d.Status)
	fmt.Printf("unplugged:   %t\n", d.Unplugged())
	fmt.Printf("schedule:    %s\n", schedule.Describe(d.Schedule))
	fmt.Printf("in window:   %t\n", schedule.CanDeviceBeTurnedOn(d.Schedule, now))
	fmt.Printf("power_limit: %.0f\n", d.PowerLimit)
	fmt.Printf("today:       %.1f\n", energy.TodayEnergy(d.DailyLogs, now))
	fmt.Printf("this month:  %.1f\n", energy.MonthlyEnergy(d.DailyLogs, now.Year(), now.Month()))
	fmt.Printf("heartbeat:   %d\n", d.SensorTimestamp)
	return nil
}

func monthlyEnergy(ctx context.Context, repo *repository.Repository, key, month string) error {
	d, err := repo.GetDevice(ctx, key)
	if err != nil {
		return err
	}
	at := time.Now()
	if month != "" {
		at, err = time.Parse("2006-01", month)
		if err != nil {
			return fmt.Errorf("month must be YYYY-MM: %w", err)
		}
	}
	total := energy.MonthlyEnergy(d.DailyLogs, at.Year(), at.Month())
	fmt.Printf("%s %04d-%02d: %.1f over %d days\n", key, at.Year(), int(at.Month()), total, energy.DaysIn(at.Year(), at.Month()))
	return nil
}

func installService(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		if err := config.LoadFile(configPath, &cfg); err != nil {
			return err
		}
	}
	env.Cfg = &cfg
	if err := startup.InstallService(); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", cfg.ServiceUnitPath)
	return nil
}
