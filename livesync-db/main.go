// Creates collections of the configured services and optionally fills them with sample data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"sort"

	_ "github.com/tinode/livesync/server/db/memory"
	_ "github.com/tinode/livesync/server/db/mongodb"
	_ "github.com/tinode/livesync/server/db/mysql"
	_ "github.com/tinode/livesync/server/db/postgres"
	_ "github.com/tinode/livesync/server/db/rethinkdb"
	"github.com/tinode/livesync/server/store"
	jcr "github.com/tinode/jsonco"
)

type serviceConfig struct {
	Enabled    bool   `json:"enabled"`
	Collection string `json:"collection"`
}

type configType struct {
	WorkerID    int                        `json:"worker_id"`
	StoreConfig json.RawMessage            `json:"store_config"`
	Services    map[string]json.RawMessage `json:"services"`
}

func main() {
	var reset = flag.Bool("reset", false, "drop existing data before creating collections")
	var datafile = flag.String("data", "", "name of file with sample data to load")
	var conffile = flag.String("config", "./livesync.conf", "config of the database connection")

	flag.Parse()

	var data Data
	if *datafile != "" && *datafile != "-" {
		raw, err := os.ReadFile(*datafile)
		if err != nil {
			log.Fatalln("Failed to read sample data file:", err)
		}
		if err = json.Unmarshal(raw, &data); err != nil {
			log.Fatalln("Failed to parse sample data:", err)
		}
	}

	var config configType
	if file, err := os.Open(*conffile); err != nil {
		log.Fatalln("Failed to read config file:", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				log.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				log.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				log.Fatal("Failed to parse config file: ", err)
			}
		}
		file.Close()
	}

	collections, err := serviceCollections(config.Services)
	if err != nil {
		log.Fatalln(err)
	}
	if len(collections) == 0 {
		log.Fatalln("No services enabled in the config, nothing to create")
	}

	if err := store.Store.Open(config.WorkerID, config.StoreConfig); err != nil {
		log.Fatalln("Failed to open DB adapter:", err)
	}
	defer store.Store.Close()
	log.Println("Database adapter", store.Store.GetAdapterName())

	if err := store.Store.InitDb(nil, collections, *reset); err != nil {
		log.Fatalln("Failed to init DB:", err)
	}
	if *reset {
		log.Println("Database reset, collections:", collections)
	} else {
		log.Println("Database initialized, collections:", collections)
	}

	if err := genDb(context.Background(), &data); err != nil {
		log.Fatalln("Failed to load sample data:", err)
	}
}

// serviceCollections returns the sorted names of collections used by enabled services.
func serviceCollections(services map[string]json.RawMessage) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	for name, raw := range services {
		var conf serviceConfig
		if err := json.Unmarshal(raw, &conf); err != nil {
			return nil, err
		}
		if !conf.Enabled {
			continue
		}
		if conf.Collection == "" {
			conf.Collection = name
		}
		if !seen[conf.Collection] {
			seen[conf.Collection] = true
			names = append(names, conf.Collection)
		}
	}
	sort.Strings(names)
	return names, nil
}
