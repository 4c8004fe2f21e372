package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v2"
	"github.com/xcono/flexql/config"
	"github.com/xcono/flexql/schema"
	"github.com/xcono/flexql/web"
	"github.com/zeromicro/go-zero/core/logx"

	// database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

var configFile = flag.String("f", "config.yaml", "the config file")

func main() {

	flag.Parse()

	c, err := config.Init(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *configFile, err)
		os.Exit(1)
	}
	logx.MustSetup(c.Log)

	app := &cli.App{
		Name:  "flexql",
		Usage: "Permission-checked query API",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start serving the API",
				Action: func(cmd *cli.Context) error {
					return web.StartServer(config.Get()) //blocking call
				},
			},
			{
				Name:      "inspect",
				Usage:     "Print the catalog of entity tables as JSON",
				ArgsUsage: "[entity...]",
				Action: func(cmd *cli.Context) error {
					names := cmd.Args().Slice()
					if len(names) == 0 {
						for name := range c.Entities {
							names = append(names, name)
						}
						sort.Strings(names)
					}

					reg, err := schema.NewRegistry(c.Entities)
					if err != nil {
						return err
					}
					tablenames := make([]string, 0, len(names))
					for _, name := range names {
						e, ok := reg.Entity(name)
						if !ok {
							return fmt.Errorf("unknown entity %s", name)
						}
						tablenames = append(tablenames, e.Table)
					}

					driver, _, err := schema.SplitDSN(c.DSN)
					if err != nil {
						return err
					}
					db, err := schema.OpenDB(c.DSN)
					if err != nil {
						return err
					}
					defer db.Close()

					catalog, err := schema.NewCatalog(db, driver)
					if err != nil {
						return err
					}
					tables, err := catalog.Tables(context.Background(), tablenames...)
					if err != nil {
						return err
					}

					// pretty print tables as json
					jsonData, err := json.MarshalIndent(tables, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(jsonData))

					return nil
				},
			},
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	// flags were consumed above; cli sees only the command
	if err := app.Run(append([]string{os.Args[0]}, flag.Args()...)); err != nil {
		logx.Errorw("command failed", logx.Field("error", err.Error()))
		os.Exit(1)
	}
}
