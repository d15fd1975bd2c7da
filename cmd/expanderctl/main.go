package main

import (
	"log"
	"os"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/console"
	"github.com/KevinKickass/OpenInputExpander/internal/streaming"
	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	address := flag.StringP("address", "a", "localhost:50051", "gRPC address of the expander")
	token := flag.StringP("token", "t", os.Getenv("EXP_TOKEN"), "bearer token for writes")
	timeout := flag.Duration("timeout", 2*time.Second, "per-call timeout")
	outputJSON := flag.Bool("json", false, "print messages as JSON")
	flag.Parse()

	conn, err := grpc.NewClient(*address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *address, err)
	}
	defer conn.Close()

	sh := console.New(streaming.NewClient(conn), *token, *timeout)
	sh.OutputJSON = *outputJSON

	// Remaining arguments run one command and exit.
	if args := flag.Args(); len(args) > 0 {
		if err := sh.Shell.Process(args...); err != nil {
			log.Fatal(err)
		}
		return
	}

	sh.Shell.Println("OpenInputExpander console, type help for commands")
	sh.Shell.Run()
}
