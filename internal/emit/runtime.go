package emit

import (
	"encoding/json"
	"strings"
)

// runtimeJS is the module loader carried by the manifest chunk. It keeps the
// module registry, loads async chunks through the chunk table and applies hot
// updates.
const runtimeJS = `(function (global) {
  "use strict";
  var b = global.__bundle || (global.__bundle = {});
  var defs = {}, cache = {}, loaded = {}, waiting = {}, hot = {};
  var table = __TABLE__;
  var publicPath = __PUBLIC_PATH__;
  var hmr = __HOT__;

  function localRequire() {
    var r = function (id) { return load(id); };
    r.lazy = function (chunk, id) {
      return ensure(chunk).then(function () { return load(id); });
    };
    r.style = injectStyle;
    return r;
  }

  function load(id) {
    if (cache[id]) return cache[id].exports;
    var factory = defs[id];
    if (!factory) throw new Error("module not found: " + id);
    var module = cache[id] = { id: id, exports: {} };
    if (hmr) module.hot = hotFor(id);
    factory.call(module.exports, module, module.exports, localRequire());
    return module.exports;
  }

  function hotFor(id) {
    var rec = hot[id] = { self: false, deps: {} };
    return {
      accept: function (dep, cb) {
        if (dep === undefined || typeof dep === "function") {
          rec.self = true;
          return;
        }
        [].concat(dep).forEach(function (d) { rec.deps[d] = cb; });
      },
      dispose: function (cb) { rec.dispose = cb; }
    };
  }

  function injectStyle(id, css) {
    if (typeof document === "undefined") return;
    var el = document.querySelector('style[data-module="' + id + '"]');
    if (!el) {
      el = document.createElement("style");
      el.setAttribute("data-module", id);
      document.head.appendChild(el);
    }
    el.textContent = css;
  }

  function ensure(name) {
    if (loaded[name]) return Promise.resolve();
    if (waiting[name]) return waiting[name].promise;
    var entry = table[name];
    var w = waiting[name] = {};
    if (!entry) {
      // Sync chunks come from the document; wait for them to announce.
      w.promise = new Promise(function (resolve) { w.resolve = resolve; });
      return w.promise;
    }
    w.promise = Promise.all((entry.requires || []).map(ensure)).then(function () {
      return new Promise(function (resolve, reject) {
        w.resolve = resolve;
        if (entry.css) {
          var link = document.createElement("link");
          link.rel = "stylesheet";
          link.href = publicPath + entry.css;
          document.head.appendChild(link);
        }
        var script = document.createElement("script");
        script.src = publicPath + entry.js;
        script.async = true;
        script.onerror = function () {
          delete waiting[name];
          reject(new Error("failed to load chunk " + name));
        };
        document.head.appendChild(script);
      });
    });
    return w.promise;
  }

  b.define = function (id, factory) { defs[id] = factory; };

  b.loaded = function (name) {
    loaded[name] = true;
    var w = waiting[name];
    if (w && w.resolve) w.resolve();
  };

  b.entry = function (name, id, requires) {
    b.loaded(name);
    var missing = requires.filter(function (r) { return !loaded[r]; });
    if (missing.length === 0) {
      load(id);
      return;
    }
    Promise.all(missing.map(ensure)).then(function () { load(id); });
  };

  b.hotApply = function (update) {
    (update.modules || []).forEach(function (m) { (0, eval)(m.content); });
    (update.invalidate || []).forEach(function (id) {
      var rec = hot[id];
      if (rec && rec.dispose) rec.dispose();
      delete cache[id];
    });
    (update.boundaries || []).forEach(function (bd) {
      if (bd.dep) {
        load(bd.dep);
        var rec = hot[bd.id];
        var cb = rec && rec.deps[bd.dep];
        if (cb) cb();
        return;
      }
      load(bd.id);
    });
  };
})(typeof window !== "undefined" ? window : this);
`

// hmrClientJS connects to the dev server's update channel.
const hmrClientJS = `(function () {
  if (typeof WebSocket === "undefined" || typeof location === "undefined") return;
  var proto = location.protocol === "https:" ? "wss:" : "ws:";
  var ws = new WebSocket(proto + "//" + location.host + __HMR_PATH__);
  var overlay = null;
  function clearError() {
    if (overlay) { overlay.parentNode.removeChild(overlay); overlay = null; }
  }
  function showError(message) {
    clearError();
    overlay = document.createElement("pre");
    overlay.setAttribute("style", "position:fixed;inset:0;margin:0;padding:24px;z-index:2147483647;" +
      "background:rgba(0,0,0,0.85);color:#ff6b6b;font:13px/1.5 monospace;white-space:pre-wrap;overflow:auto");
    overlay.textContent = message;
    document.body.appendChild(overlay);
  }
  ws.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    switch (msg.type) {
    case "update":
      clearError();
      try { __bundle.hotApply(msg); } catch (e) { location.reload(); }
      break;
    case "reload":
      location.reload();
      break;
    case "error":
      showError(msg.message);
      break;
    case "ok":
      clearError();
      break;
    }
  };
})();
`

// tableEntry is one row of the runtime's chunk table.
type tableEntry struct {
	JS       string   `json:"js"`
	CSS      string   `json:"css,omitempty"`
	Requires []string `json:"requires,omitempty"`
}

func renderRuntime(table map[string]tableEntry, publicPath string, hot bool) string {
	rawTable, _ := json.Marshal(table)
	rawPublic, _ := json.Marshal(publicPath)
	rawHot, _ := json.Marshal(hot)
	return strings.NewReplacer(
		"__TABLE__", string(rawTable),
		"__PUBLIC_PATH__", string(rawPublic),
		"__HOT__", string(rawHot),
	).Replace(runtimeJS)
}

func renderHMRClient(path string) string {
	raw, _ := json.Marshal(path)
	return strings.Replace(hmrClientJS, "__HMR_PATH__", string(raw), 1)
}
