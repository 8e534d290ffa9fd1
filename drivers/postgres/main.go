package main

import (
	"github.com/datazip-inc/tidemark"
	"github.com/datazip-inc/tidemark/drivers/base"
	driver "github.com/datazip-inc/tidemark/drivers/postgres/internal"
	"github.com/datazip-inc/tidemark/protocol"
)

func main() {
	driver := &driver.Postgres{
		Driver: base.NewBase(),
	}
	_ = protocol.Driver(driver)
	_ = protocol.Acknowledger(driver)

	defer driver.Close()
	tidemark.RegisterDriver(driver)
}
