package runtime

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const userJS = `// Litebase runtime API. Re-generated at startup; do not edit.
export const query = globalThis.query;
export const execute = globalThis.execute;
export const addRoute = globalThis.addRoute;
export const isolateId = globalThis.isolate_id;
`

const userDTS = `// Litebase runtime API type declarations. Re-generated at startup.
export type SqlValue = null | number | string;

/** Run a SELECT synchronously, returning rows as arrays of values. Blobs arrive base64url-encoded. */
export function query(sql: string, params: SqlValue[]): SqlValue[][];

/** Run a mutating statement synchronously, returning the number of affected rows. */
export function execute(sql: string, params: SqlValue[]): number;

export interface Request {
  method: string;
  routePath: string;
  uri: string;
  pathParams: Record<string, string>;
  headers: Record<string, string>;
  user: { id: string; email: string; csrf: string } | null;
  body: string;
}

export interface Response {
  status?: number;
  headers?: Record<string, string>;
  body?: string;
}

/** Register an HTTP handler during module evaluation. */
export function addRoute(
  method: string,
  path: string,
  handler: (req: Request) => Response | string | Promise<Response | string>,
): void;

/** The id of the isolate executing the current module. */
export function isolateId(): number;
`

// WriteUserAssets writes litebase.js and litebase.d.ts next to the scripts
// directory for user consumption.
func WriteUserAssets(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, content := range map[string]string{
		"litebase.js":   userJS,
		"litebase.d.ts": userDTS,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		log.Debug().Str("path", path).Msg("Wrote runtime asset")
	}
	return nil
}
