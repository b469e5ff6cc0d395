/*
 * Copyright (c) 2024, aioshadowsocks Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/server"
)

func main() {

	var configFilename, usersFilename string
	flag.StringVar(
		&configFilename, "config",
		server.SERVER_CONFIG_FILENAME, "server config file")
	flag.StringVar(
		&usersFilename, "users",
		server.SERVER_USERS_CONFIG_FILENAME, "users config file")
	flag.Parse()

	args := flag.Args()

	if len(args) < 1 {
		fmt.Fprintf(os.Stderr,
			"usage: '%s generate' or '%s run'\n", os.Args[0], os.Args[0])
		os.Exit(1)

	} else if args[0] == "generate" {

		configFileContents, usersFileContents, err := server.GenerateConfig(
			&server.GenerateConfigParams{
				UsersFilename: usersFilename,
			})
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate failed: %s\n", err)
			os.Exit(1)
		}

		err = os.WriteFile(configFilename, configFileContents, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error writing configuration file: %s\n", err)
			os.Exit(1)
		}

		err = os.WriteFile(usersFilename, usersFileContents, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error writing users file: %s\n", err)
			os.Exit(1)
		}

	} else if args[0] == "run" {

		configFileContents, err := os.ReadFile(configFilename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading configuration file: %s\n", err)
			os.Exit(1)
		}

		err = server.RunServices(configFileContents)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %s\n", err)
			os.Exit(1)
		}
	}
}
