package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lokomatfes/nidaq"
	"github.com/lokomatfes/nidaq/internal/sessiondb"
	"github.com/lokomatfes/nidaq/publish"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err := os.MkdirAll(dir, 0775); err != nil {
			return "", err
		}
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults. A non-empty
// configFile is read instead of searching.
func setupViper(configFile string) error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("device.num_channels", 4)
	viper.SetDefault("device.frame_rate", 1000)
	viper.SetDefault("simulation.amplitude", 1.0)
	viper.SetDefault("simulation.frequency", 5.0)
	viper.SetDefault("simulation.speedup", 1.0)
	viper.SetDefault("publish.port", 5600)

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		HOME, err := os.UserHomeDir()
		if err != nil {
			fmt.Printf("Error finding User Home Dir: %s\n", err)
		}
		dotNidaq := filepath.Join(HOME, ".nidaq")
		const filename string = "config"
		const suffix string = ".yaml"
		if _, err := makeFileExist(dotNidaq, filename+suffix); err != nil {
			return err
		}
		viper.SetConfigName(filename)
		viper.AddConfigPath(filepath.FromSlash("/etc/nidaq"))
		viper.AddConfigPath(dotNidaq)
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	nidaq.Build.Date = buildDate
	nidaq.Build.Githash = githash
	nidaq.Build.Gitdate = gitdate
	nidaq.Build.Summary = fmt.Sprintf("nidaq version %s (git commit %s of %s)", nidaq.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		nidaq.Build.Host = host
	} else {
		nidaq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	configFile := flag.String("config", "", "read this config file instead of searching for config.yaml")
	duration := flag.Duration("duration", 0, "record for this long, then stop (0 means until interrupted)")
	port := flag.Int("port", 0, "publish on this TCP port (0 means use the config file's publish.port)")
	useDB := flag.Bool("db", false, "record sessions in the ClickHouse database")
	pingDB := flag.Bool("ping", false, "check that the ClickHouse database is alive and quit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is nidaq version %s\n", nidaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is nidaq version %s (git commit %s)\n", nidaq.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".nidaq", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	nidaq.ProblemLogger = startLogger(problemname)
	nidaq.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems to %s\n", problemname)
	fmt.Printf("Logging updates  to %s\n\n", logname)
	nidaq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(*configFile); err != nil {
		panic(err)
	}
	var dbOpts sessiondb.Options
	if err := viper.UnmarshalKey("database", &dbOpts); err != nil {
		log.Fatal(err)
	}
	if *pingDB {
		if err := sessiondb.Ping(dbOpts); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := run(*duration, *port, *useDB, dbOpts); err != nil {
		nidaq.ProblemLogger.Print(err)
		log.Fatal(err)
	}
}

// run builds a simulated device and records from it until duration
// elapses (if positive) or the program is interrupted.
func run(duration time.Duration, port int, useDB bool, dbOpts sessiondb.Options) error {
	dc, err := nidaq.ConfigFromViper(viper.GetViper(), "device")
	if err != nil {
		return err
	}
	namer, err := dc.Namer()
	if err != nil {
		return err
	}
	var simcfg nidaq.SimulatedTaskConfig
	if err := viper.UnmarshalKey("simulation", &simcfg); err != nil {
		return err
	}
	if port == 0 {
		port = viper.GetInt("publish.port")
	}
	if viper.GetBool("Verbose") {
		fmt.Printf("Device configuration:\n%s", spew.Sdump(dc))
		fmt.Printf("Simulation configuration:\n%s", spew.Sdump(simcfg))
	}

	dev, err := nidaq.NewDevice(dc.ChannelConfig(), namer, nidaq.NewSimulatedTask(simcfg),
		nidaq.WithT0Offset(dc.T0Offset))
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Dispose(); err != nil {
			nidaq.ProblemLogger.Printf("disposing device: %v", err)
		}
	}()

	pub, err := publish.NewPublisher(publish.Endpoint(port))
	if err != nil {
		return err
	}
	defer pub.Close()
	detachPublisher := pub.Attach(dev)
	defer detachPublisher()
	fmt.Printf("Publishing data on port %d\n", port)

	var db *sessiondb.Connection
	activity := sessiondb.NewActivity()
	abortDB := make(chan struct{})
	if useDB {
		db = sessiondb.Connect(dbOpts)
		if !db.IsConnected() {
			fmt.Printf("Not recording sessions: %v\n", db.Err())
		}
		db.Start(activity, abortDB)
		defer db.Wait()
	}
	defer close(abortDB)
	detachRecorder := sessiondb.NewRecorder(db, activity.ID).Attach(dev)
	defer detachRecorder()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		if err := dev.StartRecording(); err != nil {
			return err
		}
		fmt.Printf("Recording %d channels (%s ...) at %d Hz\n",
			dev.NumChannels(), dev.ChannelNames()[0], dev.FrameRate())
		var timeout <-chan time.Time
		if duration > 0 {
			timeout = time.After(duration)
		}
		select {
		case <-ctx.Done():
		case <-timeout:
		}
		return dev.StopRecording()
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				nidaq.UpdateLogger.Printf("%d messages waiting to publish, %d blocks discarded",
					pub.Pending(), dev.DiscardedBlocks())
			}
		}
	})
	return g.Wait()
}
