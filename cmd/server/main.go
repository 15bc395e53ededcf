package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"sorte-pix-app/internal/config"
)

func main() {
	// 0. Load Config (Envars)
	cfg := config.Load()

	app := cli.NewApp()
	app.Name = "sorte-pix"
	app.Usage = "PIX checkout for raffle tickets"
	app.Action = func(c *cli.Context) error { return serve(c, cfg) }
	app.Commands = []*cli.Command{
		{
			Name:        "serve",
			Usage:       "Start the checkout HTTP server",
			Description: `Serves the PIX API, the checkout sessions and the buyer dashboard.`,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "port", Usage: "listen port, overrides PORT"},
			},
			Action: func(c *cli.Context) error { return serve(c, cfg) },
		},
		{
			Name:        "migrate",
			Usage:       "Create the database tables and exit",
			Description: `Runs the schema against DATABASE_URL (Turso or a local sqlite file).`,
			Action:      func(c *cli.Context) error { return migrate(cfg) },
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
