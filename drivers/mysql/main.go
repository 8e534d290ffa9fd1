package main

import (
	"github.com/datazip-inc/tidemark"
	"github.com/datazip-inc/tidemark/drivers/base"
	driver "github.com/datazip-inc/tidemark/drivers/mysql/internal"
	"github.com/datazip-inc/tidemark/protocol"
)

func main() {
	driver := &driver.MySQL{
		Driver: base.NewBase(),
	}
	_ = protocol.Driver(driver)

	defer driver.Close()
	tidemark.RegisterDriver(driver)
}
