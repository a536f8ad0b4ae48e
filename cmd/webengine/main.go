/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package main

import (
	"os"

	spfcbr "github.com/spf13/cobra"

	"github.com/sabouaram/webengine/internal/applog"
	"github.com/sabouaram/webengine/internal/config"
	"github.com/sabouaram/webengine/internal/engine"
)

func main() {
	cfg := config.Default()

	var (
		logWrite     int
		trigMode     int
		optLinger    int
		closeLog     int
		actorModel   int
		sqlHost      string
		sqlUser      string
		sqlPassword  string
		sqlDB        string
		sqlPort      int
		verbose      bool
	)

	cmd := &spfcbr.Command{
		Use:   "webengine",
		Short: "Concurrent HTTP/1.1 serving engine with a pooled credential store",
		RunE: func(cmd *spfcbr.Command, args []string) error {
			cfg.LogMode = config.LogMode(logWrite)
			cfg.Trigger = config.TriggerCombo(trigMode)
			cfg.Linger = optLinger != 0
			cfg.LogEnabled = closeLog == 0
			cfg.Dispatch = config.DispatchMode(actorModel)
			cfg.Store = config.Store{
				Host:     sqlHost,
				User:     sqlUser,
				Password: sqlPassword,
				DB:       sqlDB,
				Port:     sqlPort,
			}

			applog.SetVerbose(verbose)

			eng, err := engine.New(cfg)
			if err != nil {
				return err
			}
			return eng.Run()
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	flags.IntVarP(&logWrite, "log-mode", "l", int(cfg.LogMode), "log mode: 0 sync, 1 async")
	flags.IntVarP(&trigMode, "trigger-mode", "m", int(cfg.Trigger), "trigger combination: 0 LT+LT, 1 LT+ET, 2 ET+LT, 3 ET+ET")
	flags.IntVarP(&optLinger, "linger", "o", 0, "SO_LINGER: 0 off, 1 on")
	flags.IntVarP(&cfg.SessionPoolSize, "session-pool", "s", cfg.SessionPoolSize, "credential-session pool size")
	flags.IntVarP(&cfg.WorkerCount, "workers", "t", cfg.WorkerCount, "worker count")
	flags.IntVarP(&closeLog, "close-log", "c", 0, "logging enabled: 0 on, 1 off")
	flags.IntVarP(&actorModel, "dispatch-mode", "a", int(cfg.Dispatch), "dispatch mode: 0 completion, 1 readiness")
	flags.StringVar(&sqlHost, "sql-host", "127.0.0.1", "credential store host")
	flags.StringVar(&sqlUser, "sql-user", "root", "credential store user")
	flags.StringVar(&sqlPassword, "sql-password", "", "credential store password")
	flags.StringVar(&sqlDB, "sql-db", "webengine", "credential store database name")
	flags.IntVar(&sqlPort, "sql-port", 3306, "credential store port")
	flags.BoolVarP(&verbose, "verbose", "v", false, "raise operational log level to debug")

	if err := cmd.Execute(); err != nil {
		applog.Errorf("%v", err)
		os.Exit(1)
	}
}
