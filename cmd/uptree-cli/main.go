package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	args := os.Args[1:]
	var err error
	apiEndpoint = defaultAPIEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "register":
		code := runRegisterCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "place":
		code := runPlaceCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "activate":
		code := runActivateCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "progression":
		code := runProgressionCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "reserve":
		code := runReserveCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "export":
		code := runExportCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--api" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --api")
			}
			apiEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--api=") {
			apiEndpoint = strings.TrimPrefix(arg, "--api=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func printUsage() {
	fmt.Println("Usage: uptree-cli [--api <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Signed commands require UPTREE_API_KEY and UPTREE_API_SECRET; the export")
	fmt.Println("command requires UPTREE_ADMIN_TOKEN instead.")
	fmt.Println("Commands:")
	fmt.Println("  register    --subject <id> [--handle <handle>] [--referrer <ref>]")
	fmt.Println("  place       --participant <addr> --program <id> --slot <n> [--referrer <ref>]")
	fmt.Println("  activate    --participant <addr> --program <id> --slot <n> --amount <wei> --tx <ref>")
	fmt.Println("  progression --participant <addr> --program <id>")
	fmt.Println("  reserve     --participant <addr> [--program <id>] [--slot <n>] [--limit <n>]")
	fmt.Println("  export      runs a ledger export on the server")
}
