// main.go
package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	appkg "github.com/duetp2p/duet/internal/app"
	"github.com/duetp2p/duet/internal/config"
)

//go:embed all:frontend/dist
var assets embed.FS

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	peerDir  = flag.String("dir", "", "Peer directory (default: user config dir)")
	connect  = flag.String("connect", "", "Multiaddr of a peer to dial at startup")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Duet v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()

	// No arguments - run desktop UI
	if len(args) == 0 {
		runDesktopApp()
		return
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: duet peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runDesktopApp() {
	dir := *peerDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			log.Fatalf("No usable peer directory: %v", err)
		}
		dir = filepath.Join(base, "duet")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	var dial []string
	if *connect != "" {
		dial = append(dial, *connect)
	}
	app := NewApp(dir, dial)

	err := wails.Run(&options.App{
		Title:  "Duet  ·  two-party calls",
		Width:  1080,
		Height: 720,

		AssetServer: &assetserver.Options{
			Assets: assets,
		},

		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind:       []any{app},
	})
	if err != nil {
		log.Fatal(err)
	}
}

func runCLIPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "duet.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	var dial []string
	if *connect != "" {
		dial = append(dial, *connect)
	}

	if err := appkg.Run(ctx, appkg.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Connect: dial,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Duet - two-party P2P calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  duet                   Run desktop application (default)")
	fmt.Println("  duet peer <directory>  Run a headless peer from the given directory")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -dir <directory>   Peer directory for the desktop app")
	fmt.Println("  -connect <addr>    Multiaddr of a peer to dial at startup")
	fmt.Println("  -h                 Show this help message")
	fmt.Println("  -version           Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run desktop app")
	fmt.Println("  duet")
	fmt.Println()
	fmt.Println("  # Run a headless peer and dial a known node")
	fmt.Println("  duet -connect /ip4/192.168.1.20/tcp/4001/p2p/12D3Koo... peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Duet Peer Runner                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Profile.DisplayName)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
