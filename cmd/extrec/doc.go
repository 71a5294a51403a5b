// Command extrec drives an external recorder from the command line.
//
//	extrec record --device "/usr/bin/mythfilerecorder --infile in.ts" --input-id 1 -o out.ts
//	extrec probe --device "/usr/bin/mythfilerecorder --infile in.ts"
//	extrec config init
//	extrec config show
//
// Settings come from ~/.config/extrec/config.toml unless --config names
// another file; flags override the file.
package main
