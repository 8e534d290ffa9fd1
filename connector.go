package tidemark

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/protocol"
	_ "github.com/datazip-inc/tidemark/writers/kafka"   // registering kafka writer
	_ "github.com/datazip-inc/tidemark/writers/nats"    // registering nats jetstream writer
	_ "github.com/datazip-inc/tidemark/writers/parquet" // registering local and s3 parquet writer
)

func RegisterDriver(driver protocol.Driver) {
	defer func() {
		if r := recover(); r != nil {
			logger.Fatalf("panic recovered: %v\n%s", fmt.Sprint(r), debug.Stack())
		}
	}()

	// Execute the root command
	err := protocol.CreateRootCommand(true, driver).Execute()
	if err != nil {
		logger.Fatal(err)
	}

	os.Exit(0)
}
