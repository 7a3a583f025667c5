package interp

import (
	"os/exec"

	"sandboxd/internal/sberrors"
)

// Supported interpreter languages.
const (
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangR          = "r"
)

// pythonBootstrap runs a persistent REPL loop: line-JSON requests on stdin,
// line-JSON events on stdout. User prints are captured and streamed; the
// value of a trailing expression becomes a result event, IPython-style.
const pythonBootstrap = `
import sys, json, ast, traceback

def emit(obj):
    sys.__stdout__.write(json.dumps(obj) + "\n")
    sys.__stdout__.flush()

class _Stream:
    def __init__(self, kind):
        self.kind = kind
    def write(self, text):
        if text:
            emit({"type": self.kind, "text": text})
        return len(text)
    def flush(self):
        pass

glb = {"__name__": "__main__"}
emit({"type": "ready"})
count = 0
for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    try:
        req = json.loads(line)
    except ValueError:
        continue
    rid = req.get("id", "")
    code = req.get("code", "")
    count += 1
    sys.stdout = _Stream("stdout")
    sys.stderr = _Stream("stderr")
    try:
        tree = ast.parse(code, mode="exec")
        last = None
        if tree.body and isinstance(tree.body[-1], ast.Expr):
            last = ast.Expression(tree.body.pop().value)
        exec(compile(tree, "<session>", "exec"), glb)
        if last is not None:
            value = eval(compile(last, "<session>", "eval"), glb)
            if value is not None:
                emit({"type": "result", "id": rid,
                      "data": {"text/plain": repr(value)},
                      "execution_count": count})
    except Exception:
        et, ev, tb = sys.exc_info()
        emit({"type": "error", "id": rid, "ename": et.__name__,
              "evalue": str(ev),
              "traceback": traceback.format_exception(et, ev, tb)})
    finally:
        sys.stdout = sys.__stdout__
        sys.stderr = sys.__stderr__
        emit({"type": "execution_complete", "id": rid, "execution_count": count})
`

// javascriptBootstrap keeps a single vm context alive across submissions.
const javascriptBootstrap = `
const readline = require("readline");
const vm = require("vm");
const util = require("util");

function emit(obj) { process.stdout.write(JSON.stringify(obj) + "\n"); }

function fmt(args) {
  return args.map(a => typeof a === "string" ? a : util.inspect(a)).join(" ") + "\n";
}

const sandbox = vm.createContext({
  console: {
    log: (...a) => emit({ type: "stdout", text: fmt(a) }),
    info: (...a) => emit({ type: "stdout", text: fmt(a) }),
    warn: (...a) => emit({ type: "stderr", text: fmt(a) }),
    error: (...a) => emit({ type: "stderr", text: fmt(a) }),
  },
  require: require,
  setTimeout, setInterval, clearTimeout, clearInterval,
  Buffer: Buffer,
});

emit({ type: "ready" });
let count = 0;
const rl = readline.createInterface({ input: process.stdin, terminal: false });
rl.on("line", (line) => {
  line = line.trim();
  if (!line) return;
  let req;
  try { req = JSON.parse(line); } catch (e) { return; }
  count += 1;
  try {
    const value = vm.runInContext(req.code, sandbox, { filename: "<session>" });
    if (value !== undefined) {
      emit({ type: "result", id: req.id,
             data: { "text/plain": util.inspect(value) },
             execution_count: count });
    }
  } catch (e) {
    emit({ type: "error", id: req.id,
           ename: (e && e.name) || "Error",
           evalue: (e && e.message) || String(e),
           traceback: ((e && e.stack) || "").split("\n") });
  }
  emit({ type: "execution_complete", id: req.id, execution_count: count });
});
`

// rBootstrap needs jsonlite; without it the kernel never reports ready and
// callers see INTERPRETER_NOT_READY.
const rBootstrap = `
suppressMessages(library(jsonlite))
emit <- function(obj) {
  cat(toJSON(obj, auto_unbox = TRUE), "\n", sep = "")
  flush(stdout())
}
env <- new.env()
emit(list(type = "ready"))
count <- 0
con <- file("stdin", open = "r")
while (length(line <- readLines(con, n = 1)) > 0) {
  if (nchar(trimws(line)) == 0) next
  req <- tryCatch(fromJSON(line), error = function(e) NULL)
  if (is.null(req)) next
  count <- count + 1
  result <- tryCatch({
    out <- capture.output(value <- eval(parse(text = req$code), envir = env))
    if (length(out) > 0) {
      emit(list(type = "stdout", text = paste0(paste(out, collapse = "\n"), "\n")))
    }
    if (!is.null(value)) {
      emit(list(type = "result", id = req$id,
                data = list("text/plain" = paste(capture.output(print(value)), collapse = "\n")),
                execution_count = count))
    }
    NULL
  }, error = function(e) {
    emit(list(type = "error", id = req$id, ename = "Error",
              evalue = conditionMessage(e), traceback = list()))
    NULL
  })
  emit(list(type = "execution_complete", id = req$id, execution_count = count))
}
`

// kernelCommand builds the child-process command for a language.
func kernelCommand(language string) (*exec.Cmd, error) {
	switch language {
	case LangPython:
		return exec.Command("python3", "-u", "-c", pythonBootstrap), nil
	case LangJavaScript:
		return exec.Command("node", "-e", javascriptBootstrap), nil
	case LangR:
		return exec.Command("Rscript", "--vanilla", "-e", rBootstrap), nil
	default:
		return nil, sberrors.E(sberrors.InvalidLanguage, "unsupported language: %s", language).
			WithDetail("language", language)
	}
}

// SupportedLanguages lists the languages a context can be created for.
func SupportedLanguages() []string {
	return []string{LangPython, LangJavaScript, LangR}
}
