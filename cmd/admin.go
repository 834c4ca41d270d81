package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gorm.io/datatypes"

	"github.com/concrnt/socialnode/fqid"
	apmiddleware "github.com/concrnt/socialnode/middleware"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
)

// withStore opens the configured database for one admin command.
func withStore(cctx *cli.Context, fn func(config Config, s *store.Store) error) error {
	config, err := configFrom(cctx)
	if err != nil {
		return err
	}
	db, err := openDB(config.Server.Dsn)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := store.Migrate(db); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return fn(config, store.NewStore(db))
}

var nodeCommand = &cli.Command{
	Name:  "node",
	Usage: "manage peer nodes",
	Subcommands: []*cli.Command{
		{
			Name:  "add",
			Usage: "register a peer node",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "host", Usage: "API root of the peer, e.g. https://peer.example.com/api", Required: true},
				&cli.StringFlag{Name: "username", Usage: "credential this node sends to the peer"},
				&cli.StringFlag{Name: "password", Usage: "credential this node sends to the peer"},
				&cli.StringFlag{Name: "incoming-username", Usage: "credential the peer sends to this node", Required: true},
				&cli.StringFlag{Name: "incoming-password", Usage: "credential the peer sends to this node", Required: true},
				&cli.StringFlag{Name: "capabilities", Usage: "JSON overrides of the peer's capabilities"},
			},
			Action: addNode,
		},
		{
			Name:  "list",
			Usage: "list peer nodes",
			Action: func(cctx *cli.Context) error {
				return withStore(cctx, func(_ Config, s *store.Store) error {
					nodes, err := s.ListNodes(cctx.Context)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cctx.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "HOST\tINCOMING\tACTIVE\tAUTH\tSTYLE")
					for _, node := range nodes {
						caps := node.Capabilities.Data()
						fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", node.Host, node.IncomingUsername, node.IsActive, caps.UsesAuth, caps.ListEndpointStyle)
					}
					return w.Flush()
				})
			},
		},
		{
			Name:      "enable",
			Usage:     "resume delivery to a peer",
			ArgsUsage: "<host>",
			Action:    setNodeActive(true),
		},
		{
			Name:      "disable",
			Usage:     "stop delivery to and requests from a peer",
			ArgsUsage: "<host>",
			Action:    setNodeActive(false),
		},
	},
}

func addNode(cctx *cli.Context) error {
	caps := types.DefaultNodeCapabilities()
	if raw := cctx.String("capabilities"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &caps); err != nil {
			return errors.Wrap(err, "parse capabilities")
		}
	}

	hash, err := apmiddleware.HashPassword(cctx.String("incoming-password"))
	if err != nil {
		return err
	}

	return withStore(cctx, func(_ Config, s *store.Store) error {
		node, err := s.CreateNode(cctx.Context, types.Node{
			Host:                 cctx.String("host"),
			Username:             cctx.String("username"),
			Password:             cctx.String("password"),
			IncomingUsername:     cctx.String("incoming-username"),
			IncomingPasswordHash: hash,
			IsActive:             true,
			Capabilities:         datatypes.NewJSONType(caps),
		})
		if err != nil {
			return err
		}
		log.Info().Str("id", node.ID).Str("host", node.Host).Msg("node added")
		return nil
	})
}

func setNodeActive(active bool) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		host := cctx.Args().First()
		if host == "" {
			return errors.New("host is required")
		}
		return withStore(cctx, func(_ Config, s *store.Store) error {
			if err := s.SetNodeActive(cctx.Context, host, active); err != nil {
				return err
			}
			log.Info().Str("host", host).Bool("active", active).Msg("node updated")
			return nil
		})
	}
}

var authorCommand = &cli.Command{
	Name:  "author",
	Usage: "manage local authors",
	Subcommands: []*cli.Command{
		{
			Name:  "add",
			Usage: "create a local author with login credentials",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "username", Required: true},
				&cli.StringFlag{Name: "password", Required: true},
				&cli.StringFlag{Name: "display-name"},
				&cli.StringFlag{Name: "github"},
				&cli.BoolFlag{Name: "admin"},
			},
			Action: addAuthor,
		},
		{
			Name:      "approve",
			Usage:     "approve a local author",
			ArgsUsage: "<author id>",
			Action:    setAuthorApproval(true),
		},
		{
			Name:      "revoke",
			Usage:     "revoke approval of a local author",
			ArgsUsage: "<author id>",
			Action:    setAuthorApproval(false),
		},
	},
}

func addAuthor(cctx *cli.Context) error {
	hash, err := apmiddleware.HashPassword(cctx.String("password"))
	if err != nil {
		return err
	}

	username := cctx.String("username")
	displayName := cctx.String("display-name")
	if displayName == "" {
		displayName = username
	}

	return withStore(cctx, func(config Config, s *store.Store) error {
		minter := fqid.NewMinter(config.Node.BaseURL)
		id := uuid.NewString()

		var created types.Author
		err := s.Tx(cctx.Context, func(tx *store.Store) error {
			author, err := tx.CreateAuthor(cctx.Context, types.Author{
				ID:          id,
				FQID:        minter.Author(id),
				DisplayName: displayName,
				Host:        minter.Host(),
				ProfileURL:  minter.AuthorPage(id),
				Github:      cctx.String("github"),
				IsApproved:  !config.Node.RequireApproval,
			})
			if err != nil {
				return err
			}
			_, err = tx.CreateAccount(cctx.Context, types.Account{
				AuthorID:     author.ID,
				Username:     username,
				PasswordHash: hash,
				IsAdmin:      cctx.Bool("admin"),
			})
			created = author
			return err
		})
		if err != nil {
			return err
		}

		log.Info().
			Str("id", created.ID).
			Str("fqid", created.FQID).
			Bool("approved", created.IsApproved).
			Msg("author added")
		return nil
	})
}

func setAuthorApproval(approved bool) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		id := cctx.Args().First()
		if id == "" {
			return errors.New("author id is required")
		}
		return withStore(cctx, func(_ Config, s *store.Store) error {
			if err := s.SetAuthorApproval(cctx.Context, id, approved); err != nil {
				return err
			}
			log.Info().Str("id", id).Bool("approved", approved).Msg("author updated")
			return nil
		})
	}
}
