package router

// dashboardHTML is the single-page admin UI. It only talks to the JSON API,
// so everything it shows stays reachable for scripts too.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Avocado Admin</title>
<style>
  body { font-family: system-ui, sans-serif; margin: 0; background: #f4f6f4; color: #1d2b1f; }
  header { background: #2f5d3a; color: #fff; padding: 14px 24px; display: flex; align-items: baseline; gap: 16px; }
  header h1 { font-size: 20px; margin: 0; }
  header span { font-size: 13px; opacity: .8; }
  main { max-width: 1100px; margin: 0 auto; padding: 20px; }
  section { background: #fff; border: 1px solid #d8e0d8; border-radius: 8px; padding: 16px 20px; margin-bottom: 20px; }
  h2 { font-size: 16px; margin: 0 0 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #e4eae4; vertical-align: top; }
  th { color: #506152; font-weight: 600; }
  button { background: #2f5d3a; color: #fff; border: 0; border-radius: 5px; padding: 7px 14px; cursor: pointer; font-size: 13px; }
  button.secondary { background: #6b7d6e; }
  button:disabled { opacity: .5; cursor: default; }
  input, textarea { font: inherit; padding: 6px 8px; border: 1px solid #c6d2c8; border-radius: 5px; }
  textarea { width: 100%; min-height: 220px; font-family: ui-monospace, monospace; font-size: 12px; box-sizing: border-box; }
  .row { display: flex; gap: 10px; align-items: center; flex-wrap: wrap; margin-bottom: 10px; }
  .note { font-size: 12px; color: #506152; margin: 6px 0 0; }
  .badge { display: inline-block; padding: 1px 7px; border-radius: 9px; font-size: 11px; background: #e4eee6; color: #2f5d3a; }
  .badge.warn { background: #f6e7d8; color: #8a5a1d; }
  #msg { position: fixed; right: 20px; bottom: 20px; background: #1d2b1f; color: #fff; padding: 10px 16px; border-radius: 6px; font-size: 13px; display: none; }
  pre { margin: 0; white-space: pre-wrap; font-size: 12px; }
</style>
</head>
<body>
<header>
  <h1>Avocado Admin</h1>
  <span>calendar reconciliation</span>
</header>
<main>
  <section>
    <h2>Sync</h2>
    <div class="row">
      <button id="run-sync">Run sync now</button>
      <input id="win-start" type="datetime-local">
      <input id="win-end" type="datetime-local">
      <button id="run-window" class="secondary">Run window</button>
    </div>
    <table>
      <thead><tr><th>When</th><th>Trigger</th><th>Status</th><th>Applied</th><th>Conflicts</th><th>Duration</th><th>Message</th></tr></thead>
      <tbody id="runs"></tbody>
    </table>
  </section>

  <section>
    <h2>Calendars</h2>
    <div class="row"><button id="save-rules">Save immutable selection</button></div>
    <table>
      <thead><tr><th>Immutable</th><th>Name</th><th>ID</th><th>Flags</th></tr></thead>
      <tbody id="calendars"></tbody>
    </table>
    <p class="note">Suggested rows match the immutable keywords. Duplicate rows share a managed calendar name and are skipped by sync.</p>
  </section>

  <section>
    <h2>AI changes</h2>
    <div class="row"><button id="ai-test" class="secondary">Test AI connectivity</button><span id="ai-test-result" class="note"></span></div>
    <table>
      <thead><tr><th>When</th><th>Event</th><th>Reason</th><th>Patch</th><th></th></tr></thead>
      <tbody id="changes"></tbody>
    </table>
  </section>

  <section>
    <h2>Configuration</h2>
    <textarea id="config" spellcheck="false"></textarea>
    <div class="row" style="margin-top:10px">
      <button id="save-config">Save config</button>
      <span class="note">Secrets shown as *** keep their stored value when saved unchanged.</span>
    </div>
  </section>

  <section>
    <h2>Audit log</h2>
    <table>
      <thead><tr><th>When</th><th>Action</th><th>Calendar</th><th>UID</th><th>Details</th></tr></thead>
      <tbody id="audit"></tbody>
    </table>
  </section>
</main>
<div id="msg"></div>
<script>
(function () {
  "use strict";

  function toast(text) {
    var el = document.getElementById("msg");
    el.textContent = text;
    el.style.display = "block";
    setTimeout(function () { el.style.display = "none"; }, 4000);
  }

  function api(method, path, body) {
    var opts = { method: method, headers: {} };
    if (body !== undefined) {
      opts.headers["Content-Type"] = "application/json";
      opts.body = JSON.stringify(body);
    }
    return fetch(path, opts).then(function (resp) {
      return resp.json().then(function (data) {
        if (!resp.ok) { throw new Error(data.error || data.detail || ("HTTP " + resp.status)); }
        return data;
      });
    });
  }

  function cell(text) {
    var td = document.createElement("td");
    td.textContent = text == null ? "" : String(text);
    return td;
  }

  function when(value) {
    return value ? new Date(value).toLocaleString() : "";
  }

  function loadRuns() {
    api("GET", "/api/sync/status?limit=15").then(function (data) {
      var tbody = document.getElementById("runs");
      tbody.innerHTML = "";
      (data.runs || []).forEach(function (run) {
        var tr = document.createElement("tr");
        tr.appendChild(cell(when(run.run_at)));
        tr.appendChild(cell(run.trigger));
        tr.appendChild(cell(run.status));
        tr.appendChild(cell(run.changes_applied));
        tr.appendChild(cell(run.conflicts));
        tr.appendChild(cell(run.duration_ms + " ms"));
        tr.appendChild(cell(run.message));
        tbody.appendChild(tr);
      });
    }).catch(function (err) { toast(err.message); });
  }

  function loadCalendars() {
    api("GET", "/api/calendars").then(function (data) {
      var tbody = document.getElementById("calendars");
      tbody.innerHTML = "";
      (data.calendars || []).forEach(function (cal) {
        var tr = document.createElement("tr");
        var box = document.createElement("input");
        box.type = "checkbox";
        box.checked = !!cal.immutable_selected;
        box.dataset.calendarId = cal.calendar_id;
        var td = document.createElement("td");
        td.appendChild(box);
        tr.appendChild(td);
        tr.appendChild(cell(cal.name));
        tr.appendChild(cell(cal.calendar_id));
        var flags = document.createElement("td");
        if (cal.is_staging) { flags.innerHTML += '<span class="badge">staging</span> '; }
        if (cal.immutable_suggested) { flags.innerHTML += '<span class="badge">suggested</span> '; }
        if (cal.managed_duplicate) { flags.innerHTML += '<span class="badge warn">duplicate ' + cal.managed_duplicate_role + "</span>"; }
        tr.appendChild(flags);
        tbody.appendChild(tr);
      });
    }).catch(function (err) { toast(err.message); });
  }

  function loadChanges() {
    api("GET", "/api/ai/changes?limit=25").then(function (data) {
      var tbody = document.getElementById("changes");
      tbody.innerHTML = "";
      (data.changes || []).forEach(function (change) {
        var tr = document.createElement("tr");
        tr.appendChild(cell(when(change.created_at)));
        tr.appendChild(cell((change.title || change.uid)));
        tr.appendChild(cell(change.reason));
        var patch = (change.patch || []).map(function (p) {
          return p.field + ": " + p.before + " -> " + p.after;
        }).join("\n");
        var pd = document.createElement("td");
        var pre = document.createElement("pre");
        pre.textContent = patch;
        pd.appendChild(pre);
        tr.appendChild(pd);
        var actions = document.createElement("td");
        var undo = document.createElement("button");
        undo.textContent = "Undo";
        undo.className = "secondary";
        undo.onclick = function () {
          api("POST", "/api/ai/changes/undo", { audit_id: change.id })
            .then(function (resp) { toast(resp.message); loadChanges(); })
            .catch(function (err) { toast(err.message); });
        };
        var revise = document.createElement("button");
        revise.textContent = "Revise";
        revise.className = "secondary";
        revise.style.marginLeft = "6px";
        revise.onclick = function () {
          var instruction = prompt("Instruction for the planner:");
          if (!instruction) { return; }
          api("POST", "/api/ai/changes/revise", { audit_id: change.id, instruction: instruction })
            .then(function (resp) { toast(resp.message); })
            .catch(function (err) { toast(err.message); });
        };
        actions.appendChild(undo);
        actions.appendChild(revise);
        tr.appendChild(actions);
        tbody.appendChild(tr);
      });
    }).catch(function (err) { toast(err.message); });
  }

  function loadConfig() {
    api("GET", "/api/config").then(function (data) {
      document.getElementById("config").value = JSON.stringify(data, null, 2);
    }).catch(function (err) { toast(err.message); });
  }

  function loadAudit() {
    api("GET", "/api/audit/events?limit=40").then(function (data) {
      var tbody = document.getElementById("audit");
      tbody.innerHTML = "";
      (data.events || []).forEach(function (ev) {
        var tr = document.createElement("tr");
        tr.appendChild(cell(when(ev.created_at)));
        tr.appendChild(cell(ev.action));
        tr.appendChild(cell(ev.calendar_id));
        tr.appendChild(cell(ev.uid));
        var td = document.createElement("td");
        var pre = document.createElement("pre");
        pre.textContent = JSON.stringify(ev.details);
        td.appendChild(pre);
        tr.appendChild(td);
        tbody.appendChild(tr);
      });
    }).catch(function (err) { toast(err.message); });
  }

  document.getElementById("run-sync").onclick = function () {
    api("POST", "/api/sync/run").then(function (resp) {
      toast(resp.message);
      setTimeout(loadRuns, 2000);
    }).catch(function (err) { toast(err.message); });
  };

  document.getElementById("run-window").onclick = function () {
    var start = document.getElementById("win-start").value;
    var end = document.getElementById("win-end").value;
    if (!start || !end) { toast("pick a start and end"); return; }
    api("POST", "/api/sync/run-window", {
      start: new Date(start).toISOString(),
      end: new Date(end).toISOString()
    }).then(function (resp) {
      toast("window run: " + resp.result.status);
      loadRuns();
      loadChanges();
    }).catch(function (err) { toast(err.message); });
  };

  document.getElementById("save-rules").onclick = function () {
    var ids = [];
    document.querySelectorAll("#calendars input[type=checkbox]").forEach(function (box) {
      if (box.checked) { ids.push(box.dataset.calendarId); }
    });
    api("GET", "/api/config").then(function (cfg) {
      var rules = cfg.calendar_rules || {};
      return api("PUT", "/api/calendar-rules", {
        immutable_keywords: rules.immutable_keywords || [],
        immutable_calendar_ids: ids,
        staging_calendar_id: rules.staging_calendar_id || ""
      });
    }).then(function (resp) {
      toast(resp.message);
      loadCalendars();
    }).catch(function (err) { toast(err.message); });
  };

  document.getElementById("ai-test").onclick = function () {
    var out = document.getElementById("ai-test-result");
    out.textContent = "testing...";
    api("POST", "/api/ai/test").then(function (resp) {
      out.textContent = resp.message + (resp.models.length ? " [" + resp.models.join(", ") + "]" : "");
    }).catch(function (err) { out.textContent = err.message; });
  };

  document.getElementById("save-config").onclick = function () {
    var payload;
    try {
      payload = JSON.parse(document.getElementById("config").value);
    } catch (err) {
      toast("config is not valid JSON");
      return;
    }
    api("PUT", "/api/config", { payload: payload }).then(function (resp) {
      toast(resp.message);
      loadConfig();
    }).catch(function (err) { toast(err.message); });
  };

  loadRuns();
  loadCalendars();
  loadChanges();
  loadConfig();
  loadAudit();
})();
</script>
</body>
</html>
`
